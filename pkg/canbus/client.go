package canbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/gocan"
	log "github.com/sirupsen/logrus"
)

const defaultTxQueue = 32

type sendRequest struct {
	frame Frame
	done  chan<- SendResult
}

// complete delivers the outcome without blocking the transmit path. A full or
// abandoned done channel loses the result.
func (r *sendRequest) complete(err error) bool {
	if r.done == nil {
		return true
	}
	select {
	case r.done <- SendResult{Frame: r.frame, Err: err}:
		return true
	default:
		return false
	}
}

type subscription struct {
	filter  Filter
	handler Handler
}

// ClientStats is a snapshot of client counters.
type ClientStats struct {
	Sent       uint64
	SendErrors uint64
	Received   uint64
	Lost       uint64
}

// Client adapts a gocan.Client to Bus. It runs one goroutine reading an
// unfiltered gocan subscription and fanning frames out to subscribers, and
// one goroutine draining the transmit queue into the adapter.
type Client struct {
	gc  *gocan.Client
	sub *gocan.Sub
	log *log.Entry

	tx     chan *sendRequest
	txMu   sync.RWMutex
	closed bool

	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64

	sent       atomic.Uint64
	sendErrors atomic.Uint64
	received   atomic.Uint64
	lost       atomic.Uint64

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a client on gc and takes ownership of it. A nil logger falls
// back to the standard logger.
func New(gc *gocan.Client, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	c := &Client{
		gc:   gc,
		sub:  gc.Subscribe(context.Background()),
		log:  logger.WithField("adapter", gc.Adapter().Name()),
		tx:   make(chan *sendRequest, defaultTxQueue),
		subs: make(map[uint64]*subscription),
		quit: make(chan struct{}),
	}
	c.wg.Add(2)
	go c.recvLoop()
	go c.txLoop()
	return c
}

// SendAsync queues frame for transmission. The outcome is written to done
// without blocking; done may be nil when the caller does not care.
func (c *Client) SendAsync(frame Frame, done chan<- SendResult) {
	req := &sendRequest{frame: frame, done: done}
	c.txMu.RLock()
	defer c.txMu.RUnlock()
	if c.closed {
		req.complete(ErrClosed)
		return
	}
	select {
	case c.tx <- req:
	default:
		c.sendErrors.Add(1)
		req.complete(ErrTxQueueFull)
	}
}

// Send transmits frame and waits for the adapter to accept it.
func (c *Client) Send(ctx context.Context, frame Frame) error {
	done := make(chan SendResult, 1)
	c.SendAsync(frame, done)
	select {
	case res := <-done:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for frames matching filter. A nil filter
// matches everything. The returned function removes the subscription; once it
// returns the handler is not called again.
func (c *Client) Subscribe(filter Filter, handler Handler) func() {
	s := &subscription{filter: filter, handler: handler}
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Sent:       c.sent.Load(),
		SendErrors: c.sendErrors.Load(),
		Received:   c.received.Load(),
		Lost:       c.lost.Load(),
	}
}

// Close stops both loops, fails queued frames with ErrClosed and closes the
// gocan client along with its adapter.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.txMu.Lock()
		c.closed = true
		c.txMu.Unlock()
		close(c.quit)
		err = c.gc.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	in := c.sub.C()
	for {
		select {
		case <-c.quit:
			return
		case f, ok := <-in:
			if !ok {
				c.log.Debug("gocan subscription closed")
				return
			}
			if f == nil {
				continue
			}
			frame := NewFrame(f.Identifier(), f.Data())
			frame.Timestamp = time.Now()
			c.received.Add(1)
			c.dispatch(frame)
		}
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.subs {
		if s.filter == nil || s.filter(f) {
			s.handler(f)
		}
	}
}

// txLoop hands one frame at a time to the adapter, blocking while the
// adapter's send buffer is full.
func (c *Client) txLoop() {
	defer c.wg.Done()
	out := c.gc.Adapter().Send()
	for {
		select {
		case <-c.quit:
			c.drainTx()
			return
		case req := <-c.tx:
			data := make([]byte, req.frame.Len())
			copy(data, req.frame.Bytes())
			select {
			case out <- gocan.NewFrame(req.frame.ID, data, gocan.Outgoing):
				c.sent.Add(1)
				if !req.complete(nil) {
					c.lost.Add(1)
				}
			case <-c.quit:
				c.sendErrors.Add(1)
				c.log.Warnf("send %s aborted", req.frame.String())
				req.complete(ErrClosed)
				c.drainTx()
				return
			}
		}
	}
}

func (c *Client) drainTx() {
	for {
		select {
		case req := <-c.tx:
			req.complete(ErrClosed)
		default:
			return
		}
	}
}
