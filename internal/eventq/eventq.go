// Package eventq provides non-blocking channel send helpers used by the
// fan-out paths, where a slow receiver must never delay the others.
package eventq

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}
