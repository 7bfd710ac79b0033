// Package ingest turns raw transport events into batch work items.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/metrics"
)

var (
	// ErrDuplicate is returned for an event identity seen within the dedup TTL.
	ErrDuplicate = errors.New("duplicate event")

	// ErrInvalidEvent wraps validation failures.
	ErrInvalidEvent = errors.New("invalid event")
)

// EventKind is the transport-level type of an event.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindEdit    EventKind = "edit"
	KindCancel  EventKind = "cancel"
	KindStop    EventKind = "stop"
)

// Attachment references content already uploaded to the blob store.
type Attachment struct {
	BlobID      string `json:"blob_id"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// RawEvent is an inbound event as delivered by a chat transport. Transports
// may deliver the same event more than once.
type RawEvent struct {
	EventID        string       `json:"event_id"`
	Kind           EventKind    `json:"kind"`
	ConversationID string       `json:"conversation_id"`
	AccountID      string       `json:"account_id"`
	SenderID       string       `json:"sender_id"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	// EditOf is the event id of the message an edit revises. It defaults to
	// EventID for transports that reuse the message id on edits.
	EditOf     string    `json:"edit_of,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// PendingChecker reports whether an item still sits in its conversation's
// accumulating batch.
type PendingChecker interface {
	IsPending(conversationID, itemID string) bool
}

// Prefetcher warms attachment content ahead of processing.
type Prefetcher interface {
	Prefetch(blobID string)
}

// Options configure deduplication and prefetching.
type Options struct {
	DedupCapacity    int
	DedupTTL         time.Duration
	PrefetchMinBytes int64
}

// OptionsFromConfig converts the ingest section of the configuration.
func OptionsFromConfig(c config.IngestConfig) Options {
	return Options{
		DedupCapacity:    c.DedupCapacity,
		DedupTTL:         c.DedupTTL,
		PrefetchMinBytes: c.PrefetchMinBytes,
	}
}

// Normalizer validates, deduplicates and converts raw events. It is safe for
// concurrent use.
type Normalizer struct {
	opts     Options
	seen     *seenSet
	pending  PendingChecker
	prefetch Prefetcher
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewNormalizer creates a Normalizer. pending and prefetch may be nil.
func NewNormalizer(opts Options, pending PendingChecker, prefetch Prefetcher, m *metrics.Metrics, logger zerolog.Logger) *Normalizer {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 100_000
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	return &Normalizer{
		opts:     opts,
		seen:     newSeenSet(opts.DedupCapacity, opts.DedupTTL),
		pending:  pending,
		prefetch: prefetch,
		log:      logger.With().Str("component", "ingest").Logger(),
		metrics:  m,
	}
}

// Normalize converts ev into a work item.
//
// It fails with ErrInvalidEvent for malformed events and ErrDuplicate for a
// redelivery. An edit whose original is no longer pending fails with
// batch.ErrTooLateToMerge; the returned item is still valid and may be
// submitted with AsNew.
func (n *Normalizer) Normalize(ctx context.Context, ev RawEvent) (batch.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return batch.WorkItem{}, err
	}
	if err := validate(ev); err != nil {
		n.metrics.Ingest("invalid")
		return batch.WorkItem{}, err
	}

	identity := ev.EventID
	var digest string
	if ev.Kind == KindEdit {
		digest = contentDigest(ev)
		identity = ev.EventID + ":" + digest
	}
	if n.seen.observe(identity) {
		n.metrics.Ingest("duplicate")
		n.log.Debug().
			Str("event_id", ev.EventID).
			Str("conversation_id", ev.ConversationID).
			Msg("duplicate event dropped")
		return batch.WorkItem{}, ErrDuplicate
	}

	arrived := ev.OccurredAt
	if arrived.IsZero() {
		arrived = time.Now()
	}
	item := batch.WorkItem{
		ID:             ev.EventID,
		ConversationID: ev.ConversationID,
		AccountID:      ev.AccountID,
		SenderID:       ev.SenderID,
		ArrivedAt:      arrived,
	}

	switch ev.Kind {
	case KindCancel:
		item.Control = batch.ControlCancel
		n.metrics.Ingest("control")
		return item, nil
	case KindStop:
		item.Control = batch.ControlStop
		n.metrics.Ingest("control")
		return item, nil
	}

	item.Parts = n.parts(ev)

	if ev.Kind == KindEdit {
		original := ev.EditOf
		if original == "" {
			original = ev.EventID
		}
		item.ID = ev.EventID + "@" + digest[:12]
		item.Revision = true
		item.OriginalID = original

		if n.pending != nil && !n.pending.IsPending(ev.ConversationID, original) {
			n.metrics.Ingest("late_edit")
			n.log.Debug().
				Str("event_id", ev.EventID).
				Str("conversation_id", ev.ConversationID).
				Str("original_id", original).
				Msg("edit arrived after its original was flushed")
			return item, batch.ErrTooLateToMerge
		}
		n.metrics.Ingest("edit")
		return item, nil
	}

	n.metrics.Ingest("accepted")
	return item, nil
}

// Forget drops the dedup record for an event so that a redelivery is accepted.
// Callers use it when an accepted event could not be queued.
func (n *Normalizer) Forget(ev RawEvent) {
	identity := ev.EventID
	if ev.Kind == KindEdit {
		identity = ev.EventID + ":" + contentDigest(ev)
	}
	n.seen.forget(identity)
}

// Run periodically sweeps expired identities until ctx is done.
func (n *Normalizer) Run(ctx context.Context) {
	interval := n.opts.DedupTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := n.seen.cleanupExpired(); removed > 0 {
				n.log.Debug().Int("removed", removed).Msg("expired event identities swept")
			}
		}
	}
}

func (n *Normalizer) parts(ev RawEvent) []batch.Part {
	parts := make([]batch.Part, 0, 1+len(ev.Attachments))
	if strings.TrimSpace(ev.Text) != "" {
		parts = append(parts, batch.Part{Kind: batch.PartText, Text: ev.Text})
	}
	for _, a := range ev.Attachments {
		parts = append(parts, batch.Part{
			Kind:        batch.PartAttachment,
			BlobID:      a.BlobID,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
		if n.prefetch != nil && n.opts.PrefetchMinBytes > 0 && a.Size >= n.opts.PrefetchMinBytes {
			n.prefetch.Prefetch(a.BlobID)
		}
	}
	return parts
}

func validate(ev RawEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	case ev.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	case ev.SenderID == "":
		return fmt.Errorf("%w: missing sender id", ErrInvalidEvent)
	}

	switch ev.Kind {
	case KindCancel, KindStop:
		return nil
	case KindMessage, KindEdit:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}

	if ev.AccountID == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.Text) == "" && len(ev.Attachments) == 0 {
		return fmt.Errorf("%w: event has no content", ErrInvalidEvent)
	}
	for i, a := range ev.Attachments {
		if a.BlobID == "" {
			return fmt.Errorf("%w: attachment %d has no blob id", ErrInvalidEvent, i)
		}
		if a.Size < 0 {
			return fmt.Errorf("%w: attachment %d has negative size", ErrInvalidEvent, i)
		}
	}
	return nil
}

// contentDigest hashes the content of an edit so that redeliveries of the same
// edit collapse while later edits of the same message do not.
func contentDigest(ev RawEvent) string {
	h := blake3.New()
	h.Write([]byte(ev.Text))
	for _, a := range ev.Attachments {
		h.Write([]byte{0})
		h.Write([]byte(a.BlobID))
	}
	return hex.EncodeToString(h.Sum(nil))
}
