// Package assistant drives a chat turn: it sends the conversation to a
// Backend, strips structured markers out of the streamed reply and hands the
// caller renderable text increments and finished suggestions.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/prompt"
	"github.com/youruser/productivai/internal/suggest"
)

// ErrUpstream wraps error events reported by the completion stream.
var ErrUpstream = errors.New("completion failed")

// IncrementKind tags an Increment.
type IncrementKind int

const (
	IncrementText IncrementKind = iota
	IncrementReasoning
	IncrementSuggestion
	IncrementDone
)

// Increment is one item of a streamed turn. Text is safe to render as is;
// it never contains marker text.
type Increment struct {
	Kind       IncrementKind
	Text       string              // IncrementText, IncrementReasoning
	Suggestion *suggest.Suggestion // IncrementSuggestion
	Summary    *Summary            // IncrementDone
}

// Summary closes a successful turn.
type Summary struct {
	// Content is the raw reply including markers.
	Content string
	// Text is the reply with every marker removed.
	Text         string
	QuickReplies []string
	Signals      suggest.Signals
	Usage        *llm.Usage
}

// Assistant runs turns against a Backend.
type Assistant struct {
	backend       Backend
	log           *logging.Logger
	historyBudget int
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithLogger sets the logger for extraction and turn messages.
func WithLogger(log *logging.Logger) Option {
	return func(a *Assistant) {
		if log != nil {
			a.log = log
		}
	}
}

// WithHistoryBudget trims history to roughly budget tokens before sending.
func WithHistoryBudget(budget int) Option {
	return func(a *Assistant) { a.historyBudget = budget }
}

// New creates an Assistant.
func New(backend Backend, opts ...Option) *Assistant {
	a := &Assistant{backend: backend, log: logging.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StreamCompletion streams one assistant turn for history. Each call owns its
// own extractor, so concurrent turns never share buffers.
//
// The sequence yields text, reasoning and suggestion increments in arrival
// order and ends with one of:
//   - an IncrementDone carrying the Summary,
//   - a non-nil error (upstream failure or dropped stream), or
//   - nothing further when ctx is canceled.
func (a *Assistant) StreamCompletion(ctx context.Context, history []ConversationMessage, model string) iter.Seq2[Increment, error] {
	return func(yield func(Increment, error) bool) {
		messages := prompt.TrimHistory(ToWire(history), a.historyBudget)
		if len(messages) < len(history) {
			a.log.Info("Trimmed history from %d to %d messages", len(history), len(messages))
		}

		ext := suggest.NewExtractor(a.log)
		var raw, text strings.Builder

		emit := func(chunk string, found []suggest.Suggestion) bool {
			if chunk != "" {
				text.WriteString(chunk)
				if !yield(Increment{Kind: IncrementText, Text: chunk}, nil) {
					return false
				}
			}
			for i := range found {
				if !yield(Increment{Kind: IncrementSuggestion, Suggestion: &found[i]}, nil) {
					return false
				}
			}
			return true
		}

		req := llm.ChatRequest{Model: model, Messages: messages}
		for ev := range a.backend.Stream(ctx, req) {
			if ctx.Err() != nil {
				return
			}

			switch ev.Type {
			case llm.EventReasoning:
				if !yield(Increment{Kind: IncrementReasoning, Text: ev.Reasoning}, nil) {
					return
				}

			case llm.EventToken:
				if ev.Reasoning != "" {
					if !yield(Increment{Kind: IncrementReasoning, Text: ev.Reasoning}, nil) {
						return
					}
				}
				raw.WriteString(ev.Content)
				if !emit(ext.Feed(ev.Content)) {
					return
				}

			case llm.EventError:
				a.log.Error("Turn failed after %d bytes: %s", raw.Len(), ev.Error)
				yield(Increment{}, fmt.Errorf("%w: %s", ErrUpstream, ev.Error))
				return

			case llm.EventDone:
				if !emit(ext.Flush()) {
					return
				}
				yield(Increment{Kind: IncrementDone, Summary: &Summary{
					Content:      raw.String(),
					Text:         text.String(),
					QuickReplies: ext.QuickReplies(),
					Signals:      ext.Signals(),
					Usage:        ev.Usage,
				}}, nil)
				return
			}
		}

		if ctx.Err() != nil {
			a.log.Info("Turn canceled after %d bytes", raw.Len())
		}
	}
}
