package jobregistry

import "sync/atomic"

// Token is a cooperative, set-once cancellation flag.
//
// Work polls Cancelled at its own suspension points; nothing is interrupted
// forcibly.
type Token struct {
	cancelled atomic.Bool
	done      chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. It returns true only for the call that flipped it.
func (t *Token) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(t.done)
	return true
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
