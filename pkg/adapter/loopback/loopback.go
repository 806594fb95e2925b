// Package loopback is an in-memory CAN bus. Every frame sent by one endpoint
// is delivered to all other endpoints on the same bus.
package loopback

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roffe/gocan"
	gocanadapter "github.com/roffe/gocan/adapter"
)

const (
	Name          = "Loopback"
	defaultBuffer = 256
)

func init() {
	if err := gocanadapter.Register(&gocanadapter.AdapterInfo{
		Name:        Name,
		Description: "in-memory bus, port selects the bus name",
		Capabilities: gocanadapter.AdapterCapabilities{
			HSCAN: true,
		},
		New: func(cfg *gocan.AdapterConfig) (gocan.Adapter, error) {
			ep := Get(cfg.Port).Endpoint(cfg.Port)
			if err := ep.SetFilter(cfg.CANFilter); err != nil {
				return nil, err
			}
			return ep, nil
		},
	}); err != nil {
		panic(err)
	}
}

var ErrClosed = errors.New("loopback: endpoint closed")

var (
	bussesMu sync.Mutex
	busses   = make(map[string]*Bus)
)

// Get returns the named process wide bus, creating it on first use.
func Get(name string) *Bus {
	bussesMu.Lock()
	defer bussesMu.Unlock()
	b, ok := busses[name]
	if !ok {
		b = NewBus()
		busses[name] = b
	}
	return b
}

type Bus struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint creates a detached endpoint. It joins the bus on Init.
func (b *Bus) Endpoint(name string) *Endpoint {
	return &Endpoint{
		bus:    b,
		name:   name,
		recv:   make(chan gocan.CANFrame, defaultBuffer),
		send:   make(chan gocan.CANFrame, defaultBuffer),
		closed: make(chan struct{}),
	}
}

// Dial joins the bus with a new endpoint and starts a gocan client on it.
func (b *Bus) Dial(ctx context.Context, name string) (*gocan.Client, error) {
	return gocan.New(ctx, b.Endpoint(name))
}

func (b *Bus) attach(ep *Endpoint) {
	b.mu.Lock()
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) detach(ep *Endpoint) {
	b.mu.Lock()
	delete(b.endpoints, ep)
	b.mu.Unlock()
}

func (b *Bus) deliver(from *Endpoint, f gocan.CANFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ep := range b.endpoints {
		if ep == from {
			continue
		}
		ep.push(f)
	}
}

// Endpoint implements gocan.Adapter on top of a Bus.
type Endpoint struct {
	bus  *Bus
	name string
	recv chan gocan.CANFrame
	send chan gocan.CANFrame

	mu     sync.RWMutex
	filter []uint32
	dead   bool

	dropped   atomic.Uint64
	started   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *Endpoint) Name() string {
	if e.name == "" {
		return Name
	}
	return Name + ":" + e.name
}

func (e *Endpoint) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.started.Do(func() {
		e.bus.attach(e)
		go e.sendLoop(ctx)
	})
	return nil
}

func (e *Endpoint) Recv() <-chan gocan.CANFrame {
	return e.recv
}

func (e *Endpoint) Send() chan<- gocan.CANFrame {
	return e.send
}

// SetFilter restricts delivery to the given identifiers. An empty list
// accepts everything.
func (e *Endpoint) SetFilter(ids []uint32) error {
	e.mu.Lock()
	e.filter = slices.Clone(ids)
	e.mu.Unlock()
	return nil
}

// Dropped returns the number of frames lost because the receive buffer was full.
func (e *Endpoint) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Endpoint) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case f := <-e.send:
			e.bus.deliver(e, f)
		}
	}
}

func (e *Endpoint) push(f gocan.CANFrame) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dead {
		return
	}
	if len(e.filter) > 0 && !slices.Contains(e.filter, f.Identifier()) {
		return
	}
	select {
	case e.recv <- f:
	default:
		e.dropped.Add(1)
	}
}

// Close detaches the endpoint. Recv is left open, the gocan frame handler
// stops on its own context.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.bus.detach(e)
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	})
	return nil
}
