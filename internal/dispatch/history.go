package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/store"
)

// userMessage records a work item in the history. The item id doubles as the
// message id, so a retried batch does not duplicate it.
func userMessage(item batch.WorkItem) store.Message {
	var b strings.Builder
	b.WriteString(item.Text())
	for _, p := range item.Parts {
		if p.Kind != batch.PartAttachment {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[attachment %s %s %d bytes]", p.BlobID, p.ContentType, p.Size)
	}
	return store.Message{
		ConversationID: item.ConversationID,
		ID:             item.ID,
		Role:           store.RoleUser,
		SenderID:       item.SenderID,
		Content:        b.String(),
		CreatedAt:      item.ArrivedAt,
	}
}

// buildTurns converts recent history to model turns. Items of the current
// batch are rebuilt from the items themselves so that their attachments are
// sent inline.
func (d *Dispatcher) buildTurns(ctx context.Context, conversationID string, items []batch.WorkItem) ([]generation.Turn, error) {
	msgs, err := d.history.Recent(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	current := make(map[string]batch.WorkItem, len(items))
	for _, it := range items {
		current[it.ID] = it
	}

	turns := make([]generation.Turn, 0, len(msgs)+len(items))
	for _, m := range msgs {
		if it, ok := current[m.ID]; ok {
			turn, err := d.itemTurn(ctx, it)
			if err != nil {
				return nil, err
			}
			turns = append(turns, turn)
			delete(current, m.ID)
			continue
		}
		turns = append(turns, generation.Turn{Role: generation.Role(m.Role), Text: m.Content})
	}

	// Items older than the history window still belong to this batch.
	for _, it := range items {
		if _, ok := current[it.ID]; !ok {
			continue
		}
		turn, err := d.itemTurn(ctx, it)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (d *Dispatcher) itemTurn(ctx context.Context, it batch.WorkItem) (generation.Turn, error) {
	turn := generation.Turn{Role: generation.RoleUser, Text: it.Text()}
	for _, p := range it.Parts {
		if p.Kind != batch.PartAttachment {
			continue
		}
		if d.blobs == nil {
			continue
		}
		blob, err := d.blobs.Get(ctx, p.BlobID)
		if err != nil {
			return generation.Turn{}, fmt.Errorf("load attachment %s: %w", p.BlobID, err)
		}
		contentType := p.ContentType
		if contentType == "" {
			contentType = blob.ContentType
		}
		turn.Attachments = append(turn.Attachments, generation.Attachment{ContentType: contentType, Data: blob.Data})
	}
	return turn, nil
}

func (d *Dispatcher) appendAssistant(ctx context.Context, u *unit, text, note string) error {
	content := text
	if note != "" {
		if content != "" {
			content += "\n"
		}
		content += note
	}
	if content == "" {
		return nil
	}
	_, err := d.history.Append(ctx, store.Message{
		ConversationID: u.b.ConversationID,
		ID:             fmt.Sprintf("%s:assistant:%d", u.id, u.steps),
		Role:           store.RoleAssistant,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("record assistant output: %w", err)
	}
	return nil
}

func (d *Dispatcher) appendTool(ctx context.Context, u *unit, results []generation.ToolResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}
	_, err = d.history.Append(ctx, store.Message{
		ConversationID: u.b.ConversationID,
		ID:             fmt.Sprintf("%s:tool:%d", u.id, u.steps),
		Role:           store.RoleTool,
		Content:        string(data),
	})
	if err != nil {
		return fmt.Errorf("record tool results: %w", err)
	}
	return nil
}

func renderCalls(calls []generation.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return "[tool calls: " + strings.Join(names, ", ") + "]"
}
