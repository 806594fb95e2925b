// Package ecusim answers ReadDataByIdentifier requests on a CAN bus the way an
// ECU would. It is used to exercise the scanner without a vehicle.
package ecusim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/roffe/pidscan/pkg/isotp"
	"github.com/roffe/pidscan/pkg/uds"
	log "github.com/sirupsen/logrus"
)

const (
	txBuffer = 1024
	// flowControlTimeout is how long a segmented response waits for the
	// tester's flow control before it is abandoned.
	flowControlTimeout = time.Second
)

type Config struct {
	RequestID  uint32
	ResponseID uint32 // 0 derives it from RequestID
	Service    byte   // 0 means ReadDataByIdentifier

	// Responses maps a PID to its data record. The positive response header
	// is added by the simulator.
	Responses map[uint16][]byte
	// NRC maps a PID to a negative response code.
	NRC map[uint16]byte
	// Pending is the number of 0x78 responses sent before each real answer.
	Pending int

	Log *log.Entry
}

type outgoing struct {
	frame canbus.Frame
	delay time.Duration
}

type Simulator struct {
	cfg    Config
	respID uint32
	bus    canbus.Bus
	log    *log.Entry

	mu       sync.Mutex
	waiting  [][]byte // consecutive segments held until flow control
	deadline time.Time
	pending  map[uint16]int

	requests atomic.Uint64
	answered atomic.Uint64

	tx          chan outgoing
	unsubscribe func()
	quit        chan struct{}
	startOnce   sync.Once
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func New(bus canbus.Bus, cfg Config) (*Simulator, error) {
	if bus == nil {
		return nil, errors.New("ecusim: nil bus")
	}
	if cfg.RequestID == 0 {
		return nil, errors.New("ecusim: request id is required")
	}
	if cfg.Service == 0 {
		cfg.Service = uds.ReadDataByIdentifier
	}
	if cfg.Log == nil {
		cfg.Log = log.NewEntry(log.StandardLogger())
	}
	for pid, data := range cfg.Responses {
		if len(data)+3 > isotp.MaxLength {
			return nil, fmt.Errorf("ecusim: response for %04X is too long", pid)
		}
	}
	respID := cfg.ResponseID
	if respID == 0 {
		respID = isotp.ResponseID(cfg.RequestID)
	}
	return &Simulator{
		cfg:     cfg,
		respID:  respID,
		bus:     bus,
		log:     cfg.Log.WithField("ecu", fmt.Sprintf("%X", cfg.RequestID)),
		pending: make(map[uint16]int),
		tx:      make(chan outgoing, txBuffer),
		quit:    make(chan struct{}),
	}, nil
}

func (s *Simulator) ResponseID() uint32 {
	return s.respID
}

// Requests returns the number of requests received.
func (s *Simulator) Requests() uint64 {
	return s.requests.Load()
}

// Answered returns the number of positive responses started.
func (s *Simulator) Answered() uint64 {
	return s.answered.Load()
}

func (s *Simulator) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.txLoop()
		s.unsubscribe = s.bus.Subscribe(canbus.ByID(s.cfg.RequestID), s.handle)
		s.log.WithFields(log.Fields{
			"response": fmt.Sprintf("%X", s.respID),
			"pids":     len(s.cfg.Responses),
			"nrc":      len(s.cfg.NRC),
		}).Info("simulator started")
	})
}

func (s *Simulator) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.quit)
		s.wg.Wait()
	})
}

func (s *Simulator) handle(f canbus.Frame) {
	p, err := isotp.Parse(f.Bytes())
	if err != nil {
		s.log.WithError(err).Debug("ignoring request")
		return
	}
	switch p.Type {
	case isotp.Single:
		s.request(p.Data)
	case isotp.FlowControl:
		s.flowControl(p)
	default:
		s.log.Debugf("ignoring %s segment", p.Type)
	}
}

func (s *Simulator) request(req []byte) {
	if len(req) < 3 || req[0] != s.cfg.Service {
		s.log.Debugf("ignoring request % X", req)
		return
	}
	s.requests.Add(1)
	pid := uint16(req[1])<<8 | uint16(req[2])

	if code, ok := s.cfg.NRC[pid]; ok {
		s.reply([]byte{uds.NegativeResponse, s.cfg.Service, code})
		return
	}
	data, ok := s.cfg.Responses[pid]
	if !ok {
		return
	}

	if s.cfg.Pending > 0 {
		s.mu.Lock()
		n := s.pending[pid]
		if n < s.cfg.Pending {
			s.pending[pid] = n + 1
			s.mu.Unlock()
			s.reply([]byte{uds.NegativeResponse, s.cfg.Service, uds.REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING})
			return
		}
		delete(s.pending, pid)
		s.mu.Unlock()
	}

	payload := make([]byte, 0, 3+len(data))
	payload = append(payload, s.cfg.Service+0x40, byte(pid>>8), byte(pid))
	payload = append(payload, data...)
	s.answered.Add(1)
	s.reply(payload)
}

func (s *Simulator) reply(payload []byte) {
	segments, err := isotp.Segment(payload)
	if err != nil {
		s.log.WithError(err).Error("failed to segment response")
		return
	}
	s.mu.Lock()
	s.waiting = nil
	if len(segments) > 1 {
		s.waiting = segments[1:]
		s.deadline = time.Now().Add(flowControlTimeout)
	}
	s.mu.Unlock()
	s.queue(segments[0], 0)
}

func (s *Simulator) flowControl(p isotp.PCI) {
	s.mu.Lock()
	segments := s.waiting
	expired := time.Now().After(s.deadline)
	s.waiting = nil
	s.mu.Unlock()
	if len(segments) == 0 {
		return
	}
	if expired {
		s.log.Debug("flow control too late, response abandoned")
		return
	}
	if p.FlowStatus != 0 {
		s.log.Debugf("flow status %d, response abandoned", p.FlowStatus)
		return
	}
	// Block size is ignored, the whole remainder is sent in one block.
	var delay time.Duration
	if p.STmin <= 0x7F {
		delay = time.Duration(p.STmin) * time.Millisecond
	}
	for _, seg := range segments {
		s.queue(seg, delay)
	}
}

func (s *Simulator) queue(seg []byte, delay time.Duration) {
	data := make([]byte, 8)
	copy(data, seg)
	select {
	case s.tx <- outgoing{frame: canbus.NewFrame(s.respID, data), delay: delay}:
	default:
		s.log.Warn("transmit buffer full, frame dropped")
	}
}

// txLoop sends one frame at a time so segments keep their order and never
// overrun the bus transmit queue.
func (s *Simulator) txLoop() {
	defer s.wg.Done()
	done := make(chan canbus.SendResult, 1)
	for {
		select {
		case <-s.quit:
			return
		case o := <-s.tx:
			if o.delay > 0 {
				select {
				case <-time.After(o.delay):
				case <-s.quit:
					return
				}
			}
			s.bus.SendAsync(o.frame, done)
			select {
			case res := <-done:
				if res.Err != nil {
					s.log.WithError(res.Err).Warn("send failed")
				}
			case <-s.quit:
				return
			}
		}
	}
}
