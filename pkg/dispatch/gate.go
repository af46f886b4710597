package dispatch

import "context"

// Gate admits one holder at a time. Waiting for it can be abandoned through
// the caller's context.
type Gate struct {
	slot chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx ends.
func (g *Gate) Acquire(ctx context.Context) error {
	// Prefer a cancelled context over a free slot.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. It must only be called by the current holder.
func (g *Gate) Release() {
	<-g.slot
}

// Held reports whether someone currently holds the gate.
func (g *Gate) Held() bool {
	return len(g.slot) == 1
}
