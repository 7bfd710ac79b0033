// Package generationtest provides a scripted generation.Generator for tests.
package generationtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kelpejol/convoy/internal/generation"
)

// Step scripts one Generate call.
type Step struct {
	Events []generation.Event
	// Err, when set, is returned by Next after Events are consumed, instead
	// of the Done event.
	Err error
	// Usage is reported in the Done event.
	Usage generation.Usage
	// Gate, when set, is waited on before every event after the first.
	Gate <-chan struct{}
	// Abort, when closed while waiting on Gate, ends the stream with
	// context.Canceled.
	Abort <-chan struct{}
}

// Generator replays Steps, one per Generate call, and records requests.
type Generator struct {
	mu       sync.Mutex
	steps    []Step
	requests []generation.Request
}

// New returns a generator that plays steps in order.
func New(steps ...Step) *Generator {
	return &Generator{steps: steps}
}

// Text is a shorthand for a text event.
func Text(s string) generation.Event {
	return generation.Event{Kind: generation.EventText, Text: s}
}

// Reasoning is a shorthand for a reasoning event.
func Reasoning(s string) generation.Event {
	return generation.Event{Kind: generation.EventReasoning, Text: s}
}

// Call is a shorthand for a tool call event.
func Call(id, name string, args map[string]any) generation.Event {
	return generation.Event{Kind: generation.EventToolCall, Call: &generation.ToolCall{ID: id, Name: name, Args: args}}
}

func (g *Generator) Generate(ctx context.Context, req generation.Request) (generation.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if len(g.steps) == 0 {
		return nil, errors.New("generationtest: no scripted step left")
	}
	step := g.steps[0]
	g.steps = g.steps[1:]
	return &stream{ctx: ctx, step: step}, nil
}

// Requests returns the requests received so far.
func (g *Generator) Requests() []generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generation.Request(nil), g.requests...)
}

type stream struct {
	ctx    context.Context
	step   Step
	pos    int
	done   bool
	closed bool
}

func (s *stream) Next() (generation.Event, error) {
	if s.closed || s.done {
		return generation.Event{}, io.EOF
	}
	if s.pos > 0 && s.step.Gate != nil {
		select {
		case <-s.step.Gate:
		case <-s.step.Abort:
			return generation.Event{}, context.Canceled
		case <-s.ctx.Done():
			return generation.Event{}, s.ctx.Err()
		}
	}
	if s.pos < len(s.step.Events) {
		ev := s.step.Events[s.pos]
		s.pos++
		return ev, nil
	}
	s.done = true
	if s.step.Err != nil {
		return generation.Event{}, s.step.Err
	}
	usage := s.step.Usage
	return generation.Event{Kind: generation.EventDone, Usage: &usage}, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
