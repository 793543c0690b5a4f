package assistant

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/suggest"
)

// Simulated is the backend used without credentials. It streams a canned,
// context-aware reply word by word so the rest of the pipeline behaves as it
// would against a live model.
type Simulated struct {
	delay time.Duration
	log   *logging.Logger
}

// NewSimulated creates a simulated backend that pauses delay between words.
func NewSimulated(delay time.Duration, log *logging.Logger) *Simulated {
	if log == nil {
		log = logging.Nop()
	}
	return &Simulated{delay: delay, log: log.With("simulated")}
}

// Stream yields the reply for req one word at a time. It stops silently when
// ctx is canceled.
func (s *Simulated) Stream(ctx context.Context, req llm.ChatRequest) iter.Seq[llm.StreamEvent] {
	return func(yield func(llm.StreamEvent) bool) {
		reply := simulatedReply(req.Messages)
		s.log.Debug("Streaming simulated reply (%d bytes)", len(reply))

		for _, word := range strings.SplitAfter(reply, " ") {
			if !s.wait(ctx) {
				return
			}
			if !yield(llm.StreamEvent{Type: llm.EventToken, Content: word}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		yield(llm.StreamEvent{Type: llm.EventDone})
	}
}

// Complete answers the sub-task prompts: no quick replies and no extracted
// task, since neither can be derived without a model.
func (s *Simulated) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, suggest.NoOptions) {
		return suggest.NoOptions, nil
	}
	return "{}", nil
}

func (s *Simulated) wait(ctx context.Context) bool {
	if s.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func simulatedReply(messages []llm.Message) string {
	var query, lastAssistant string
	turns := 0
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			query = m.Content
			turns++
		case llm.RoleAssistant:
			lastAssistant = m.Content
			turns++
		}
	}
	query = strings.TrimSpace(query)
	lower := strings.ToLower(query)

	var reply string
	switch {
	case containsWord(lower, "hello") || containsWord(lower, "hi"):
		reply = "Hello! I'm your productivity assistant. How can I help you today?"
	case strings.Contains(lower, "help"):
		reply = "I can help you manage tasks and projects and answer questions about your work. What would you like to work on?"
	case strings.Contains(lower, "task") || strings.Contains(lower, "todo"):
		reply = "You can create tasks, give them due dates and sort them by priority. Would you like me to help you create one?"
	default:
		reply = fmt.Sprintf("I understand you're asking about %q. I can help you plan tasks, organise projects and answer questions. What would you like to know?", query)
	}

	if turns > 1 && lastAssistant != "" {
		reply += fmt.Sprintf(" (Simulated reply: %d earlier messages in this conversation.)", turns-1)
	} else {
		reply += " (Simulated reply: set an API key to talk to a real model.)"
	}
	return reply
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
