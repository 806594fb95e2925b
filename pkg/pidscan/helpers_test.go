package pidscan

import (
	"sync"
	"testing"
	"time"

	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu       sync.Mutex
	sent     []canbus.Frame
	sentCh   chan canbus.Frame
	handlers map[int]fakeHandler
	next     int

	// ack delivers a send result with sendErr to the done channel.
	ack     bool
	sendErr error
	// onSend is called for every transmitted frame, while the caller still
	// holds its locks.
	onSend func(canbus.Frame)
}

type fakeHandler struct {
	filter  canbus.Filter
	handler canbus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		sentCh:   make(chan canbus.Frame, 1024),
		handlers: make(map[int]fakeHandler),
	}
}

func (b *fakeBus) SendAsync(f canbus.Frame, done chan<- canbus.SendResult) {
	b.mu.Lock()
	b.sent = append(b.sent, f)
	ack, err, hook := b.ack, b.sendErr, b.onSend
	b.mu.Unlock()
	select {
	case b.sentCh <- f:
	default:
	}
	if ack && done != nil {
		select {
		case done <- canbus.SendResult{Frame: f, Err: err}:
		default:
		}
	}
	if hook != nil {
		hook(f)
	}
}

func (b *fakeBus) Subscribe(filter canbus.Filter, h canbus.Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = fakeHandler{filter, h}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *fakeBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// deliver plays a data frame on the receive path.
func (b *fakeBus) deliver(id uint32, data ...byte) {
	b.deliverFrame(canbus.NewFrame(id, data))
}

func (b *fakeBus) deliverFrame(f canbus.Frame) {
	f.Timestamp = time.Now()
	b.mu.Lock()
	hs := make([]fakeHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		if h.filter == nil || h.filter(f) {
			h.handler(f)
		}
	}
}

func (b *fakeBus) waitSent(t *testing.T) canbus.Frame {
	t.Helper()
	select {
	case f := <-b.sentCh:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
	return canbus.Frame{}
}

func (b *fakeBus) noneSent(t *testing.T) {
	t.Helper()
	select {
	case f := <-b.sentCh:
		t.Fatalf("unexpected frame sent: %s", f.String())
	case <-time.After(20 * time.Millisecond):
	}
}

func (b *fakeBus) sentFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.sent...)
}

type chanSink struct {
	ch chan Result
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan Result, 1024)}
}

func (c *chanSink) Push(r Result) error {
	c.ch <- r
	return nil
}

func (c *chanSink) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	return Result{}
}

func (c *chanSink) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-c.ch:
		t.Fatalf("unexpected result %s", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func probeFor(pid uint16) []byte {
	return []byte{0x03, 0x22, byte(pid >> 8), byte(pid), 0, 0, 0, 0}
}

func requireProbe(t *testing.T, f canbus.Frame, ecu uint32, pid uint16) {
	t.Helper()
	require.Equal(t, ecu, f.ID)
	require.Equal(t, probeFor(pid), f.Bytes(), "probe for %04X", pid)
}
