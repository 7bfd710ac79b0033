package batch

import "time"

// PartKind is the type of one piece of item content.
type PartKind string

const (
	PartText       PartKind = "text"
	PartAttachment PartKind = "attachment"
)

// Part is one ordered piece of a work item's content. Attachments are
// references into the blob store, never inline data.
type Part struct {
	Kind        PartKind `json:"kind"`
	Text        string   `json:"text,omitempty"`
	BlobID      string   `json:"blob_id,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Size        int64    `json:"size,omitempty"`
}

// ControlKind marks an item as an instruction rather than content.
type ControlKind string

const (
	ControlNone   ControlKind = ""
	ControlCancel ControlKind = "cancel"
	ControlStop   ControlKind = "stop"
)

// WorkItem is a normalized inbound event. Items are immutable once queued,
// except that a revision may replace the parts of an item still pending.
type WorkItem struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	AccountID      string      `json:"account_id"`
	SenderID       string      `json:"sender_id"`
	Parts          []Part      `json:"parts,omitempty"`
	ArrivedAt      time.Time   `json:"arrived_at"`
	Revision       bool        `json:"revision,omitempty"`
	OriginalID     string      `json:"original_id,omitempty"`
	Control        ControlKind `json:"control,omitempty"`
}

// IsControl reports whether the item is a control instruction.
func (w WorkItem) IsControl() bool { return w.Control != ControlNone }

// AsNew turns a revision that arrived too late to merge into an ordinary item.
func (w WorkItem) AsNew() WorkItem {
	w.Revision = false
	w.OriginalID = ""
	return w
}

// Text concatenates the item's text parts.
func (w WorkItem) Text() string {
	var n int
	for _, p := range w.Parts {
		n += len(p.Text)
	}
	buf := make([]byte, 0, n+len(w.Parts))
	for _, p := range w.Parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if len(buf) > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, p.Text...)
	}
	return string(buf)
}
