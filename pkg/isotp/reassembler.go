package isotp

import "fmt"

// Reassembler collects one segmented payload at a time. It is not safe for
// concurrent use.
type Reassembler struct {
	buf       []byte
	remaining int
	nextSeq   uint8

	// OnSequenceGap is called when a consecutive segment carries an
	// unexpected sequence number. The segment is still accepted.
	OnSequenceGap func(want, got uint8)
}

// Active reports whether a first segment has been seen and bytes are still
// outstanding.
func (r *Reassembler) Active() bool {
	return r.remaining > 0
}

// Remaining returns the number of payload bytes still expected.
func (r *Reassembler) Remaining() int {
	return r.remaining
}

// Reset discards any partial payload.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.remaining = 0
	r.nextSeq = 0
}

// Feed advances the state machine with one decoded segment. When done is true
// payload holds the complete response and the reassembler is idle again.
//
// A single segment always completes immediately and drops any partial
// payload. A consecutive segment without a preceding first segment is an
// error. Flow control is not part of a response and is rejected.
func (r *Reassembler) Feed(p PCI) (payload []byte, done bool, err error) {
	switch p.Type {
	case Single:
		r.Reset()
		return append([]byte(nil), p.Data...), true, nil
	case First:
		r.buf = make([]byte, 0, p.Length)
		r.buf = append(r.buf, p.Data...)
		r.remaining = p.Length - len(p.Data)
		r.nextSeq = 1
		if r.remaining <= 0 {
			return r.finish(), true, nil
		}
		return nil, false, nil
	case Consecutive:
		if r.remaining <= 0 {
			return nil, false, fmt.Errorf("%w: consecutive segment %d without first segment", ErrMalformed, p.Seq)
		}
		if p.Seq != r.nextSeq && r.OnSequenceGap != nil {
			r.OnSequenceGap(r.nextSeq, p.Seq)
		}
		r.nextSeq = (p.Seq + 1) & 0x0F
		chunk := p.Data
		if len(chunk) > r.remaining {
			chunk = chunk[:r.remaining]
		}
		r.buf = append(r.buf, chunk...)
		r.remaining -= len(chunk)
		if r.remaining <= 0 {
			return r.finish(), true, nil
		}
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s segment in response", ErrUnknownType, p.Type)
}

func (r *Reassembler) finish() []byte {
	out := r.buf
	r.buf = nil
	r.remaining = 0
	r.nextSeq = 0
	return out
}
