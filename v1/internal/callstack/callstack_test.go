package callstack

import (
	"strings"
	"testing"
)

func TestCaptureIncludesCaller(t *testing.T) {
	s := Capture(0)
	if !strings.Contains(s, "TestCaptureIncludesCaller") {
		t.Fatalf("stack should name the caller, got %q", s)
	}
}

func TestGoroutineIDDiffersAcrossGoroutines(t *testing.T) {
	mine := GoroutineID()
	if mine <= 0 {
		t.Fatalf("expected positive goroutine id, got %d", mine)
	}
	ch := make(chan int64)
	go func() { ch <- GoroutineID() }()
	if other := <-ch; other == mine || other <= 0 {
		t.Fatalf("expected distinct id, got %d and %d", mine, other)
	}
}
