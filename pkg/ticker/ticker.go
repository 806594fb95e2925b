// Package ticker provides the periodic tick source scan sessions pace
// themselves against.
package ticker

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrExists = errors.New("ticker: listener already subscribed")
	ErrClosed = errors.New("ticker: closed")
)

// Source delivers a monotonically increasing tick count to named listeners.
// Unsubscribe returns only after any in-progress call to the listener has
// finished; the listener is never called again afterwards.
type Source interface {
	Subscribe(name string, fn func(tick uint64)) error
	Unsubscribe(name string)
}

type Config struct {
	Interval time.Duration
	Log      *log.Entry
}

var DefaultConfig = &Config{
	Interval: time.Second,
}

// listeners is the subscription table shared by Ticker and Manual.
type listeners struct {
	mu    sync.RWMutex
	funcs map[string]func(uint64)
	order []string
}

func (l *listeners) subscribe(name string, fn func(uint64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[string]func(uint64))
	}
	if _, found := l.funcs[name]; found {
		return ErrExists
	}
	l.funcs[name] = fn
	l.order = append(l.order, name)
	sort.Strings(l.order)
	return nil
}

func (l *listeners) unsubscribe(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.funcs[name]; !found {
		return
	}
	delete(l.funcs, name)
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *listeners) fire(tick uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, name := range l.order {
		l.funcs[name](tick)
	}
}

func (l *listeners) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.funcs)
}

// Ticker fires listeners from a single goroutine at a fixed interval.
type Ticker struct {
	listeners
	cfg   *Config
	count atomic.Uint64

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg *Config) *Ticker {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	t := &Ticker{
		cfg:  cfg,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) Subscribe(name string, fn func(uint64)) error {
	select {
	case <-t.quit:
		return ErrClosed
	default:
	}
	return t.subscribe(name, fn)
}

func (t *Ticker) Unsubscribe(name string) {
	t.unsubscribe(name)
}

// Count returns the number of ticks fired so far.
func (t *Ticker) Count() uint64 {
	return t.count.Load()
}

// Listeners returns the number of subscribed listeners.
func (t *Ticker) Listeners() int {
	return t.len()
}

func (t *Ticker) run() {
	defer close(t.done)
	tk := time.NewTicker(t.cfg.Interval)
	defer tk.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-tk.C:
			n := t.count.Add(1)
			start := time.Now()
			t.fire(n)
			if d := time.Since(start); d > t.cfg.Interval && t.cfg.Log != nil {
				t.cfg.Log.Warnf("tick %d listeners took %s", n, d)
			}
		}
	}
}

func (t *Ticker) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
		<-t.done
	})
}

// Manual is a Source driven by the caller, for simulated time.
type Manual struct {
	listeners
	mu    sync.Mutex
	count uint64
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Subscribe(name string, fn func(uint64)) error {
	return m.subscribe(name, fn)
}

func (m *Manual) Unsubscribe(name string) {
	m.unsubscribe(name)
}

// Tick advances the clock by one and calls every listener synchronously.
func (m *Manual) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.fire(m.count)
	return m.count
}

// Advance calls Tick n times.
func (m *Manual) Advance(n int) uint64 {
	var last uint64
	for i := 0; i < n; i++ {
		last = m.Tick()
	}
	return last
}

func (m *Manual) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *Manual) Listeners() int {
	return m.len()
}
