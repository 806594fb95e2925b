// Package pidscan probes an ECU for the diagnostic identifiers it answers.
//
// A Scanner walks a PID range one probe at a time. Probes are paced by an
// injected tick source: a PID that stays silent for TimeoutTicks ticks is
// skipped, a PID that answers is reported to the sink and the next probe goes
// out right away. Replies are reassembled from segmented frames on a worker
// goroutine fed by a bounded queue that never blocks the bus receive path.
package pidscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/roffe/pidscan/pkg/isotp"
	"github.com/roffe/pidscan/pkg/ticker"
	"github.com/roffe/pidscan/pkg/uds"
	log "github.com/sirupsen/logrus"
)

const (
	MaxPID              = 0x10000
	DefaultTimeoutTicks = 3
	DefaultQueueSize    = 20
	maxExtendedID       = 0x1FFFFFFF
	sendDoneBuffer      = 8
)

var (
	ErrInvalidRange = errors.New("invalid pid range")
	ErrClosed       = errors.New("scan closed")
)

// Sink receives every PID that produced a reply.
type Sink interface {
	Push(Result) error
}

type Result struct {
	Session string
	Ecu     uint32
	PID     uint16
	Payload []byte
	Time    time.Time
}

func (r Result) String() string {
	return fmt.Sprintf("%X %04X: % X", r.Ecu, r.PID, r.Payload)
}

type Config struct {
	Ecu uint32
	// ResponseID is the id replies arrive on. Zero derives it from Ecu.
	ResponseID uint32
	// Start is inclusive, End exclusive.
	Start uint32
	End   uint32
	// Service is the request service byte, 0x22 when zero.
	Service byte
	// TimeoutTicks is how many ticks a probe may stay unanswered.
	TimeoutTicks uint64
	QueueSize    int

	DisableFlowControl bool
	// SkipNegative drops 7F replies instead of reporting them.
	SkipNegative bool

	Sink Sink
	Log  *log.Entry
}

type Stats struct {
	Probes       uint64
	Results      uint64
	Timeouts     uint64
	SendFailures uint64
	Dropped      uint64
	Malformed    uint64
	Negative     uint64
	Stale        uint64
}

type counters struct {
	probes       atomic.Uint64
	results      atomic.Uint64
	timeouts     atomic.Uint64
	sendFailures atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
	negative     atomic.Uint64
	stale        atomic.Uint64
}

type Scanner struct {
	id     string
	cfg    Config
	respID uint32
	bus    canbus.Bus
	src    ticker.Source
	log    *log.Entry

	mu       sync.Mutex
	current  uint32
	tick     uint64
	lastSend uint64
	sent     bool
	reasm    isotp.Reassembler
	closed   bool

	stats counters

	queue       chan canbus.Frame
	sendDone    chan canbus.SendResult
	unsubscribe func()

	quit      chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates cfg, subscribes to bus and src and starts the worker. The
// first probe is sent on the first tick.
func New(bus canbus.Bus, src ticker.Source, cfg Config) (*Scanner, error) {
	if bus == nil {
		return nil, errors.New("pidscan: nil bus")
	}
	if src == nil {
		return nil, errors.New("pidscan: nil tick source")
	}
	if cfg.End > MaxPID || cfg.Start > cfg.End {
		return nil, fmt.Errorf("%w: %04X-%04X", ErrInvalidRange, cfg.Start, cfg.End)
	}
	if cfg.Ecu > maxExtendedID {
		return nil, fmt.Errorf("pidscan: ecu id %X out of range", cfg.Ecu)
	}
	if cfg.Service == 0 {
		cfg.Service = uds.ReadDataByIdentifier
	}
	if cfg.TimeoutTicks == 0 {
		cfg.TimeoutTicks = DefaultTimeoutTicks
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Log == nil {
		cfg.Log = log.NewEntry(log.StandardLogger())
	}
	respID := cfg.ResponseID
	if respID == 0 {
		respID = isotp.ResponseID(cfg.Ecu)
	}

	s := &Scanner{
		id:       uuid.NewString(),
		cfg:      cfg,
		respID:   respID,
		bus:      bus,
		src:      src,
		current:  cfg.Start,
		queue:    make(chan canbus.Frame, cfg.QueueSize),
		sendDone: make(chan canbus.SendResult, sendDoneBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.log = cfg.Log.WithFields(log.Fields{
		"session": s.id,
		"ecu":     fmt.Sprintf("%X", cfg.Ecu),
	})
	s.reasm.OnSequenceGap = func(want, got uint8) {
		s.log.Debugf("sequence gap, want %X got %X", want, got)
	}
	if s.complete() {
		s.markDone()
	}

	s.wg.Add(1)
	go s.worker()
	// Remote frames carry no payload, only data frames can be replies.
	s.unsubscribe = bus.Subscribe(canbus.And(canbus.ByID(respID), canbus.DataOnly()), s.enqueue)

	if err := src.Subscribe(s.id, s.OnTick); err != nil {
		s.unsubscribe()
		close(s.quit)
		s.wg.Wait()
		return nil, fmt.Errorf("pidscan: subscribe ticker: %w", err)
	}

	s.log.WithFields(log.Fields{
		"start":    fmt.Sprintf("%04X", cfg.Start),
		"end":      fmt.Sprintf("%04X", cfg.End),
		"response": fmt.Sprintf("%X", respID),
	}).Info("scan started")
	return s, nil
}

func (s *Scanner) ID() string {
	return s.id
}

// Complete reports whether every PID in the range has been handled.
func (s *Scanner) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete()
}

func (s *Scanner) complete() bool {
	return s.current == s.cfg.End
}

func (s *Scanner) Ecu() uint32 {
	return s.cfg.Ecu
}

func (s *Scanner) ResponseID() uint32 {
	return s.respID
}

func (s *Scanner) Start() uint32 {
	return s.cfg.Start
}

func (s *Scanner) End() uint32 {
	return s.cfg.End
}

func (s *Scanner) Current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scanner) Stats() Stats {
	return Stats{
		Probes:       s.stats.probes.Load(),
		Results:      s.stats.results.Load(),
		Timeouts:     s.stats.timeouts.Load(),
		SendFailures: s.stats.sendFailures.Load(),
		Dropped:      s.stats.dropped.Load(),
		Malformed:    s.stats.malformed.Load(),
		Negative:     s.stats.negative.Load(),
		Stale:        s.stats.stale.Load(),
	}
}

// Status returns a one line summary of the scan.
func (s *Scanner) Status() string {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	st := s.Stats()
	if current == s.cfg.End {
		return fmt.Sprintf("ECU %X: scan %04X-%04X complete, %d found",
			s.cfg.Ecu, s.cfg.Start, s.cfg.End, st.Results)
	}
	total := s.cfg.End - s.cfg.Start
	pct := float64(current-s.cfg.Start) * 100 / float64(total)
	return fmt.Sprintf("ECU %X: scanning %04X-%04X, current %04X (%.1f%%), %d found",
		s.cfg.Ecu, s.cfg.Start, s.cfg.End, current, pct, st.Results)
}

// Done is closed once the scan is complete.
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the scan completes, the scanner is closed or ctx ends.
func (s *Scanner) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-s.quit:
		select {
		case <-s.done:
			return nil
		default:
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Close stops the scan. Once it returns no tick, send completion or frame is
// processed for this scanner. It must not be called from a tick listener or
// from the sink.
func (s *Scanner) Close() {
	s.closeOnce.Do(func() {
		s.src.Unsubscribe(s.id)
		s.unsubscribe()
		close(s.quit)
		s.wg.Wait()

		s.mu.Lock()
		s.closed = true
		s.reasm.Reset()
		current := s.current
		s.mu.Unlock()

		var discarded int
		for {
			select {
			case <-s.queue:
				discarded++
				continue
			case <-s.sendDone:
				continue
			default:
			}
			break
		}
		s.log.WithFields(log.Fields{
			"pid":       fmt.Sprintf("%04X", current),
			"discarded": discarded,
		}).Info("scan closed")
	})
}
