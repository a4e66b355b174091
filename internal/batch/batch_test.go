package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/remoteterm/gateway/internal/netadapt"
)

func TestContainsControlSequence(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"plain text", []byte("hello world\n"), false},
		{"color sequence", []byte("\x1b[31mX\x1b[0m"), true},
		{"no esc byte", []byte("just text with [0m looking bytes"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ContainsControlSequence(tc.data); got != tc.want {
				t.Fatalf("ContainsControlSequence(%q) = %v, want %v", tc.data, got, tc.want)
			}
		})
	}
}

func TestEnqueueFlushesImmediatelyOnControlSequence(t *testing.T) {
	adapter := netadapt.New()
	var mu sync.Mutex
	var flushedReason FlushReason
	flushed := make(chan struct{}, 1)

	b := New(adapter, func(f Frame) error {
		return nil
	}, func(reason FlushReason, n int, elapsed time.Duration) {
		mu.Lock()
		flushedReason = reason
		mu.Unlock()
		select {
		case flushed <- struct{}{}:
		default:
		}
	})

	b.Enqueue([]byte("\x1b[31mX\x1b[0m"))

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush on control sequence")
	}

	mu.Lock()
	defer mu.Unlock()
	if flushedReason != ReasonControl {
		t.Fatalf("expected reason=control, got %s", flushedReason)
	}
}

func TestEnqueueFlushesOnSizeThreshold(t *testing.T) {
	adapter := netadapt.New()
	flushed := make(chan FlushReason, 1)
	b := New(adapter, func(f Frame) error { return nil }, func(reason FlushReason, n int, elapsed time.Duration) {
		flushed <- reason
	})

	big := make([]byte, netadapt.FlushThreshold+10)
	for i := range big {
		big[i] = 'a'
	}
	b.Enqueue(big)

	select {
	case reason := <-flushed:
		if reason != ReasonSize {
			t.Fatalf("expected reason=size, got %s", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush on size threshold")
	}
}

func TestCloseStopsArmedTimer(t *testing.T) {
	adapter := netadapt.New()
	flushed := make(chan FlushReason, 1)
	b := New(adapter, func(f Frame) error { return nil }, func(reason FlushReason, n int, elapsed time.Duration) {
		flushed <- reason
	})

	b.Enqueue([]byte("small"))
	b.Close()

	select {
	case <-flushed:
		t.Fatal("did not expect a flush after Close")
	case <-time.After(200 * time.Millisecond):
	}
}
