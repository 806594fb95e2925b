package pidscan

import (
	"github.com/roffe/pidscan/pkg/canbus"
)

// enqueue runs on the bus receive path and must never block.
func (s *Scanner) enqueue(f canbus.Frame) {
	select {
	case s.queue <- f:
	default:
		n := s.stats.dropped.Add(1)
		s.log.WithField("dropped", n).Warnf("inbound queue full, dropped %s", f.String())
	}
}

func (s *Scanner) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.queue:
			s.OnIncomingFrame(f)
		case res := <-s.sendDone:
			s.OnSendComplete(res)
		}
	}
}
