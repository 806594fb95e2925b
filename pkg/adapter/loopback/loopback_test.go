package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/roffe/gocan"
	"github.com/roffe/pidscan/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, b *Bus, name string) *Endpoint {
	t.Helper()
	ep := b.Endpoint(name)
	require.NoError(t, ep.Init(context.Background()))
	t.Cleanup(func() { ep.Close() })
	return ep
}

func recvFrame(t *testing.T, ep *Endpoint) gocan.CANFrame {
	t.Helper()
	select {
	case f := <-ep.Recv():
		return f
	case <-time.After(time.Second):
		t.Fatalf("%s did not receive frame", ep.Name())
		return nil
	}
}

func TestSendReceive(t *testing.T) {
	bus := NewBus()
	a := open(t, bus, "a")
	b := open(t, bus, "b")
	c := open(t, bus, "c")

	a.Send() <- gocan.NewFrame(0x7E0, []byte{0x03, 0x22, 0x00, 0x01}, gocan.Outgoing)

	for _, ep := range []*Endpoint{b, c} {
		f := recvFrame(t, ep)
		assert.Equal(t, uint32(0x7E0), f.Identifier())
		assert.Equal(t, []byte{0x03, 0x22, 0x00, 0x01}, f.Data())
	}

	time.Sleep(10 * time.Millisecond)
	select {
	case f := <-a.Recv():
		t.Fatalf("sender received its own frame %v", f)
	default:
	}
}

func TestFilter(t *testing.T) {
	bus := NewBus()
	a := open(t, bus, "a")
	b := open(t, bus, "b")
	require.NoError(t, b.SetFilter([]uint32{0x7E8}))

	a.Send() <- gocan.NewFrame(0x7E0, []byte{0x01}, gocan.Outgoing)
	a.Send() <- gocan.NewFrame(0x7E8, []byte{0x02}, gocan.Outgoing)

	f := recvFrame(t, b)
	assert.Equal(t, uint32(0x7E8), f.Identifier())
}

func TestClose(t *testing.T) {
	bus := NewBus()
	a := open(t, bus, "a")
	b := bus.Endpoint("b")
	require.NoError(t, b.Init(context.Background()))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Init(context.Background()), ErrClosed)

	a.Send() <- gocan.NewFrame(1, nil, gocan.Outgoing)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, b.Recv(), 0)
}

func TestFullBufferDrops(t *testing.T) {
	bus := NewBus()
	a := open(t, bus, "a")
	b := open(t, bus, "b")

	for i := 0; i < defaultBuffer+10; i++ {
		bus.deliver(a, gocan.NewFrame(0x100, []byte{byte(i)}, gocan.Outgoing))
	}
	assert.Equal(t, uint64(10), b.Dropped())
}

func TestRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &adapter.Config{}
	cfg.Port = "registry-test"
	a, err := adapter.Open(ctx, Name, cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := adapter.Open(ctx, Name, cfg)
	require.NoError(t, err)
	defer b.Close()

	sub := b.Subscribe(ctx, 0x7E8)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, a.Send(gocan.NewFrame(0x7E8, []byte{0x01}, gocan.Outgoing)))
	select {
	case f := <-sub.C():
		require.NotNil(t, f)
		assert.Equal(t, uint32(0x7E8), f.Identifier())
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}

	names := make([]string, 0)
	for _, info := range adapter.List() {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, Name)
}
