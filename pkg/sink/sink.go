// Package sink fans scan results out to the table, log, CBOR and MQTT writers.
package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/roffe/pidscan/pkg/pidscan"
	log "github.com/sirupsen/logrus"
)

var (
	ErrPushTimeout = errors.New("timeout pushing result")
	ErrClosed      = errors.New("sink manager closed")
)

// Sink stores or forwards scan results. Write is called from a single
// goroutine per sink.
type Sink interface {
	Name() string
	Write(pidscan.Result) error
	Close() error
}

const maxFailedDeliveries = 10

// Manager fans results out to every registered sink. Each sink gets its own
// buffered queue; a sink that keeps falling behind is dropped.
type Manager struct {
	incoming    chan pidscan.Result
	subscribers []*subscriber
	register    chan *subscriber
	log         *log.Entry

	mu        sync.Mutex
	closed    bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	sink             Sink
	incoming         chan pidscan.Result
	failedDeliveries int
	done             chan struct{}
}

func NewManager(logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	mgr := &Manager{
		incoming:    make(chan pidscan.Result, 100),
		subscribers: make([]*subscriber, 0),
		register:    make(chan *subscriber, 10),
		log:         logger,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go mgr.run()
	return mgr
}

// Add registers s. The manager owns s from now on and closes it on Close.
func (mgr *Manager) Add(s Sink) {
	sub := &subscriber{
		sink:     s,
		incoming: make(chan pidscan.Result, 100),
		done:     make(chan struct{}),
	}
	go mgr.consume(sub)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.closed {
		close(sub.incoming)
		<-sub.done
		return
	}
	mgr.register <- sub
}

func (mgr *Manager) consume(sub *subscriber) {
	defer close(sub.done)
	for r := range sub.incoming {
		if err := sub.sink.Write(r); err != nil {
			mgr.log.WithError(err).Warnf("%s: write failed", sub.sink.Name())
		}
	}
	if err := sub.sink.Close(); err != nil {
		mgr.log.WithError(err).Warnf("%s: close failed", sub.sink.Name())
	}
}

func (mgr *Manager) run() {
	defer close(mgr.done)
	for {
		select {
		case <-mgr.quit:
			mgr.drain()
			return
		case sub := <-mgr.register:
			mgr.subscribers = append(mgr.subscribers, sub)
		case r := <-mgr.incoming:
			mgr.acceptPending()
			mgr.deliver(r)
		}
	}
}

// acceptPending registers sinks added before the result being delivered.
func (mgr *Manager) acceptPending() {
	for {
		select {
		case sub := <-mgr.register:
			mgr.subscribers = append(mgr.subscribers, sub)
		default:
			return
		}
	}
}

func (mgr *Manager) deliver(r pidscan.Result) {
	for i := 0; i < len(mgr.subscribers); i++ {
		sub := mgr.subscribers[i]
		select {
		case sub.incoming <- r:
			sub.failedDeliveries = 0
		default:
			sub.failedDeliveries++
			mgr.log.Warnf("%s: failed to deliver result", sub.sink.Name())
			if sub.failedDeliveries >= maxFailedDeliveries {
				mgr.log.Errorf("%s: removed after %d failed deliveries", sub.sink.Name(), sub.failedDeliveries)
				mgr.subscribers = append(mgr.subscribers[:i], mgr.subscribers[i+1:]...)
				close(sub.incoming)
				i--
			}
		}
	}
}

// drain flushes queued results and stops every sink.
func (mgr *Manager) drain() {
	mgr.acceptPending()
	for {
		select {
		case r := <-mgr.incoming:
			for _, sub := range mgr.subscribers {
				select {
				case sub.incoming <- r:
				case <-time.After(time.Second):
					mgr.log.Warnf("%s: result lost on close", sub.sink.Name())
				}
			}
			continue
		default:
		}
		break
	}
	for _, sub := range mgr.subscribers {
		close(sub.incoming)
	}
	for _, sub := range mgr.subscribers {
		<-sub.done
	}
	mgr.subscribers = nil
}

// Push queues r for delivery. It satisfies pidscan.Sink.
func (mgr *Manager) Push(r pidscan.Result) error {
	t := time.NewTimer(1 * time.Second)
	defer t.Stop()
	select {
	case <-mgr.quit:
		return ErrClosed
	default:
	}
	select {
	case mgr.incoming <- r:
		return nil
	case <-mgr.quit:
		return ErrClosed
	case <-t.C:
		return ErrPushTimeout
	}
}

// Close flushes pending results and closes all sinks.
func (mgr *Manager) Close() {
	mgr.closeOnce.Do(func() {
		mgr.mu.Lock()
		mgr.closed = true
		mgr.mu.Unlock()
		close(mgr.quit)
		<-mgr.done
	})
}
