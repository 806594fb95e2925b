package adapter_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/roffe/gocan"
	gocanadapter "github.com/roffe/gocan/adapter"
	"github.com/roffe/pidscan/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaky struct {
	failures   *int
	send, recv chan gocan.CANFrame
}

func newFlaky(failures *int) *flaky {
	return &flaky{failures: failures, send: make(chan gocan.CANFrame, 1), recv: make(chan gocan.CANFrame)}
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Init(context.Context) error {
	if *f.failures > 0 {
		*f.failures--
		return errors.New("device busy")
	}
	return nil
}

func (f *flaky) Recv() <-chan gocan.CANFrame { return f.recv }
func (f *flaky) Send() chan<- gocan.CANFrame { return f.send }
func (f *flaky) SetFilter([]uint32) error    { return nil }
func (f *flaky) Close() error                { return nil }

func register(t *testing.T, name string, serial bool, failures *int) {
	t.Helper()
	require.NoError(t, gocanadapter.Register(&gocanadapter.AdapterInfo{
		Name:               name,
		RequiresSerialPort: serial,
		New: func(*gocan.AdapterConfig) (gocan.Adapter, error) {
			return newFlaky(failures), nil
		},
	}))
}

func TestOpenRetries(t *testing.T) {
	failures := 2
	register(t, "test-flaky", false, &failures)

	c, err := adapter.Open(context.Background(), "test-flaky", &adapter.Config{Attempts: 3})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "flaky", c.Adapter().Name())
	assert.Equal(t, 0, failures)
}

func TestOpenGivesUp(t *testing.T) {
	failures := 5
	register(t, "test-broken", false, &failures)

	_, err := adapter.Open(context.Background(), "test-broken", &adapter.Config{Attempts: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, 3, failures)
}

func TestOpenUnknown(t *testing.T) {
	_, err := adapter.Open(context.Background(), "does-not-exist", &adapter.Config{Attempts: 5})
	require.ErrorIs(t, err, adapter.ErrUnknownAdapter)
}

func TestNewRequiresPort(t *testing.T) {
	register(t, "test-serial", true, new(int))

	_, err := adapter.New("test-serial", &adapter.Config{})
	assert.Error(t, err)

	cfg := &adapter.Config{}
	cfg.Port = "/dev/ttyUSB0"
	dev, err := adapter.New("test-serial", cfg)
	require.NoError(t, err)
	assert.Equal(t, "flaky", dev.Name())
}

func TestSocketCANAlias(t *testing.T) {
	register(t, "SocketCAN testcan0", false, new(int))

	cfg := &adapter.Config{}
	cfg.Port = "testcan0"
	dev, err := adapter.New("SocketCAN", cfg)
	require.NoError(t, err)
	assert.Equal(t, "flaky", dev.Name())

	cfg.Port = "testcan9"
	_, err = adapter.New("SocketCAN", cfg)
	assert.ErrorIs(t, err, adapter.ErrUnknownAdapter)
}

func TestList(t *testing.T) {
	list := adapter.List()
	names := make([]string, 0, len(list))
	for _, info := range list {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "SLCan")
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, strings.ToLower(names[i-1]), strings.ToLower(names[i]))
	}
}
