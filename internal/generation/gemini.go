package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/fault"
)

// Gemini streams generations from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

// NewGemini creates a Gemini generator from configuration.
func NewGemini(ctx context.Context, cfg config.GenerationConfig, logger zerolog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{
		client: client,
		model:  model,
		log:    logger.With().Str("component", "gemini").Logger(),
	}, nil
}

// Generate starts a streaming generation. The stream must be closed.
func (g *Gemini) Generate(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	contents, err := toContents(req.Turns)
	if err != nil {
		return nil, err
	}

	g.log.Debug().
		Str("unit_id", req.UnitID).
		Str("model", model).
		Int("turns", len(contents)).
		Int("tools", len(req.Tools)).
		Msg("starting generation")

	seq := g.client.Models.GenerateContentStream(ctx, model, contents, toConfig(req))
	return newGeminiStream(seq), nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	mu      sync.Mutex
	queue   []Event
	usage   Usage
	calls   int
	done    bool
	stopped bool
}

func newGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}
}

func (s *geminiStream) Next() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		if s.done || s.stopped {
			return Event{}, io.EOF
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			usage := s.usage
			return Event{Kind: EventDone, Usage: &usage}, nil
		}
		if err != nil {
			s.done = true
			return Event{}, classify(err)
		}
		s.queue = s.appendEvents(s.queue, resp)
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *geminiStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		s.stop()
	}
	return nil
}

// appendEvents converts one streamed chunk. Usage metadata is cumulative, so
// the latest chunk that carries it wins.
func (s *geminiStream) appendEvents(out []Event, resp *genai.GenerateContentResponse) []Event {
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		s.usage = Usage{
			InputTokens:     int64(u.PromptTokenCount),
			OutputTokens:    int64(u.CandidatesTokenCount),
			ReasoningTokens: int64(u.ThoughtsTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p == nil:
		case p.FunctionCall != nil:
			s.calls++
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call-%d", s.calls)
			}
			out = append(out, Event{Kind: EventToolCall, Call: &ToolCall{
				ID:   id,
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}})
		case p.Thought && p.Text != "":
			out = append(out, Event{Kind: EventReasoning, Text: p.Text})
		case p.Text != "":
			out = append(out, Event{Kind: EventText, Text: p.Text})
		}
	}
	return out
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient("generation.gemini", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fault.UpstreamErr("generation.gemini", err)
}

func toConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{IncludeThoughts: true},
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func toContents(turns []Turn) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for i, t := range turns {
		var parts []*genai.Part
		role := genai.RoleUser

		switch t.Role {
		case RoleUser:
			if t.Text != "" {
				parts = append(parts, genai.NewPartFromText(t.Text))
			}
			for _, a := range t.Attachments {
				parts = append(parts, genai.NewPartFromBytes(a.Data, a.ContentType))
			}

		case RoleAssistant:
			role = genai.RoleModel
			if t.Text != "" {
				parts = append(parts, genai.NewPartFromText(t.Text))
			}
			for _, c := range t.Calls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   c.ID,
					Name: c.Name,
					Args: c.Args,
				}})
			}

		case RoleTool:
			for _, r := range t.Results {
				out := r.Output
				if r.IsError {
					out = map[string]any{"error": r.Output}
				}
				p := genai.NewPartFromFunctionResponse(r.Name, out)
				p.FunctionResponse.ID = r.CallID
				parts = append(parts, p)
			}
			// Tool output replayed from history has no matching call.
			if len(t.Results) == 0 && t.Text != "" {
				parts = append(parts, genai.NewPartFromText("[tool output]\n"+t.Text))
			}

		default:
			return nil, fmt.Errorf("turn %d: unknown role %q", i, t.Role)
		}

		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, nil
}
