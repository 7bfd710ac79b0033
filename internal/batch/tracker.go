package batch

import "time"

// lane is the per-conversation state. current is the batch being processed
// (flushing, processing or cancelling). ready holds batches that were
// triggered while current was busy; they are sealed and start one at a time
// in trigger order. pending is the batch still accumulating behind them.
type lane struct {
	current    *Batch
	currentTok *Token

	ready []*Batch

	pending      *Batch
	pendingTimer *time.Timer
}

func (ln *lane) idle() bool {
	return ln.current == nil && ln.pending == nil && len(ln.ready) == 0
}

// unflushed finds itemID in a batch that has not started yet, either a sealed
// ready batch or the accumulating one.
func (ln *lane) unflushed(itemID string) (*Batch, int) {
	for _, b := range ln.ready {
		if i := indexOf(b, itemID); i >= 0 {
			return b, i
		}
	}
	if ln.pending != nil {
		if i := indexOf(ln.pending, itemID); i >= 0 {
			return ln.pending, i
		}
	}
	return nil, -1
}

func indexOf(b *Batch, itemID string) int {
	for i, it := range b.Items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}

func (ln *lane) stopTimer() {
	if ln.pendingTimer != nil {
		ln.pendingTimer.Stop()
		ln.pendingTimer = nil
	}
}

// LaneSnapshot is a point-in-time view of one conversation.
type LaneSnapshot struct {
	Current *Batch `json:"current,omitempty"`
	// Ready batches have been triggered and start in order once current is
	// terminal.
	Ready   []*Batch `json:"ready,omitempty"`
	Pending *Batch   `json:"pending,omitempty"`
}

func copyBatch(b *Batch) *Batch {
	if b == nil {
		return nil
	}
	c := *b
	c.Items = append([]WorkItem(nil), b.Items...)
	return &c
}
