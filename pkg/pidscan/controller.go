package pidscan

import (
	"bytes"
	"fmt"
	"time"

	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/roffe/pidscan/pkg/isotp"
	"github.com/roffe/pidscan/pkg/uds"
	log "github.com/sirupsen/logrus"
)

const probeLength = 8

// OnTick is called by the tick source. It sends the first probe for the
// current PID, or skips the PID once its probe has gone unanswered for more
// than TimeoutTicks ticks.
func (s *Scanner) OnTick(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.complete() {
		return
	}
	s.tick = tick
	if !s.sent {
		s.sendProbe()
		return
	}
	if tick-s.lastSend <= s.cfg.TimeoutTicks {
		return
	}
	l := s.pidLog()
	if s.reasm.Active() {
		l = l.WithField("remaining", s.reasm.Remaining())
	}
	l.Debug("no reply")
	s.stats.timeouts.Add(1)
	s.advance()
}

// OnSendComplete records the outcome of a transmitted frame. A failed probe is
// left to the timeout path.
func (s *Scanner) OnSendComplete(res canbus.SendResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if res.Err != nil {
		s.stats.sendFailures.Add(1)
		s.log.WithError(res.Err).WithField("frame", res.Frame.String()).Warn("send failed")
		return
	}
	if s.sent && !s.complete() && res.Frame.ID == s.cfg.Ecu && bytes.Equal(res.Frame.Bytes(), s.probe(s.pidLocked())) {
		s.lastSend = s.tick
	}
}

// OnIncomingFrame feeds a response frame into the reassembly state machine.
// Frames arriving while no probe is outstanding are ignored.
func (s *Scanner) OnIncomingFrame(f canbus.Frame) {
	res, ok := s.handleFrame(f)
	if !ok {
		return
	}
	s.pidLogFor(res.PID).WithField("payload", fmt.Sprintf("% X", res.Payload)).Info("reply")
	if s.cfg.Sink != nil {
		if err := s.cfg.Sink.Push(res); err != nil {
			s.log.WithError(err).Warn("sink push failed")
		}
	}
}

func (s *Scanner) handleFrame(f canbus.Frame) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.complete() || !s.sent {
		return Result{}, false
	}
	if f.ID != s.respID {
		return Result{}, false
	}

	pci, err := isotp.Parse(f.Bytes())
	if err != nil {
		s.stats.malformed.Add(1)
		s.pidLog().WithError(err).Warnf("ignored frame % X", f.Bytes())
		return Result{}, false
	}
	payload, done, err := s.reasm.Feed(pci)
	if err != nil {
		s.stats.malformed.Add(1)
		s.pidLog().WithError(err).Warnf("ignored frame % X", f.Bytes())
		return Result{}, false
	}
	if !done {
		if pci.Type == isotp.First && !s.cfg.DisableFlowControl {
			s.bus.SendAsync(canbus.NewFrame(s.cfg.Ecu, isotp.FlowControlFrame(0, 0)), s.sendDone)
		}
		return Result{}, false
	}

	pid := s.pidLocked()
	if uds.IsPositive(s.cfg.Service, payload) && len(payload) >= 3 {
		if echo := uint16(payload[1])<<8 | uint16(payload[2]); echo != pid {
			s.stats.stale.Add(1)
			s.pidLog().Debugf("reply for %04X while waiting for %04X", echo, pid)
			return Result{}, false
		}
	}
	if s.cfg.SkipNegative {
		if nrc := uds.ParseNegative(payload); nrc != nil {
			if nrc.Pending() {
				s.lastSend = s.tick
				s.pidLog().Debug("response pending")
				return Result{}, false
			}
			s.stats.negative.Add(1)
			s.pidLog().WithError(nrc).Debug("negative response")
			s.advance()
			return Result{}, false
		}
	}

	s.stats.results.Add(1)
	res := Result{
		Session: s.id,
		Ecu:     s.cfg.Ecu,
		PID:     pid,
		Payload: payload,
		Time:    f.Timestamp,
	}
	if res.Time.IsZero() {
		res.Time = time.Now()
	}
	s.advance()
	return res, true
}

// advance moves to the next PID and, unless the range is exhausted, probes it
// immediately.
func (s *Scanner) advance() {
	s.reasm.Reset()
	s.sent = false
	s.current++
	if s.complete() {
		s.log.WithField("found", s.stats.results.Load()).Info("scan complete")
		s.markDone()
		return
	}
	s.sendProbe()
}

func (s *Scanner) sendProbe() {
	s.sent = true
	s.lastSend = s.tick
	s.stats.probes.Add(1)
	pid := s.pidLocked()
	s.pidLog().Debug("probe")
	s.bus.SendAsync(canbus.NewFrame(s.cfg.Ecu, s.probe(pid)), s.sendDone)
}

// probe builds the single segment request for pid, zero padded to a full frame.
func (s *Scanner) probe(pid uint16) []byte {
	req := uds.Request(s.cfg.Service, pid)
	out := make([]byte, probeLength)
	out[0] = byte(len(req))
	copy(out[1:], req)
	return out
}

func (s *Scanner) pidLocked() uint16 {
	return uint16(s.current)
}

func (s *Scanner) pidLog() *log.Entry {
	return s.pidLogFor(s.pidLocked())
}

func (s *Scanner) pidLogFor(pid uint16) *log.Entry {
	return s.log.WithField("pid", fmt.Sprintf("%04X", pid))
}
