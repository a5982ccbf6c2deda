package lockbus

import (
	"context"
	"strconv"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries the events of every game key; the message key
// holds the game key.
const DefaultKafkaTopic = "gamelock-events"

// KafkaBus implements Bus on a single Kafka topic.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	once    sync.Once
	pc      sarama.PartitionConsumer
	pcErr   error
	closeMu sync.Mutex
	closed  bool
}

// NewKafkaBus wraps an existing producer and consumer.
func NewKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{fanout: newFanout(), producer: producer, consumer: consumer, topic: topic}
}

// DialKafka connects to brokers and returns a KafkaBus.
func DialKafka(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return NewKafkaBus(producer, consumer, topic), nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.Key, 10)),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.countPublished()
	return nil
}

// Subscribe implements Bus.Subscribe. The topic partition is consumed once
// and shared by every subscriber.
func (b *KafkaBus) Subscribe(ctx context.Context, key int64) (<-chan Event, error) {
	b.once.Do(func() {
		b.pc, b.pcErr = b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if b.pcErr == nil {
			go b.dispatch()
		}
	})
	if b.pcErr != nil {
		return nil, b.pcErr
	}
	ch, _ := b.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch() {
	for msg := range b.pc.Messages() {
		ev, err := Decode(msg.Value)
		if err != nil {
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key int64, ch <-chan Event) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.metrics()
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.pc != nil {
		_ = b.pc.Close()
	}
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
