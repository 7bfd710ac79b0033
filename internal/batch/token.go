package batch

import "sync/atomic"

const (
	tokenRunning int32 = iota
	tokenFinished
	tokenCancelled
)

// Token carries the cooperative cancellation signal of one batch. Exactly one
// of Finish and Cancel succeeds; whichever loses is a no-op. The token is
// separate from the processing context so that a paid call already in flight
// runs to completion after a cancel.
type Token struct {
	state atomic.Int32
	done  chan struct{}
}

// NewToken returns a running token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel requests cancellation. It returns false if the work already finished
// or was already cancelled.
func (t *Token) Cancel() bool {
	if !t.state.CompareAndSwap(tokenRunning, tokenCancelled) {
		return false
	}
	close(t.done)
	return true
}

// Finish marks natural completion. It returns false if cancellation won.
func (t *Token) Finish() bool {
	return t.state.CompareAndSwap(tokenRunning, tokenFinished)
}

// Cancelled reports whether cancellation won.
func (t *Token) Cancelled() bool {
	return t.state.Load() == tokenCancelled
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
