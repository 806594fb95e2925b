package canbus

// Filter decides whether a frame should be delivered to a subscriber.
type Filter func(Frame) bool

// ByID matches frames with the exact identifier.
func ByID(id uint32) Filter {
	return func(f Frame) bool { return f.ID == id }
}

// DataOnly matches non-remote frames.
func DataOnly() Filter {
	return func(f Frame) bool { return !f.IsRemote }
}

// And matches when every filter matches. Nil filters are skipped.
func And(filters ...Filter) Filter {
	return func(f Frame) bool {
		for _, fn := range filters {
			if fn != nil && !fn(f) {
				return false
			}
		}
		return true
	}
}
