package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/profile"
	"github.com/youruser/productivai/internal/prompt"
	"github.com/youruser/productivai/internal/suggest"
)

// RequestNonStreamingCompletion sends messages without streaming and decodes
// the reply as JSON into v. Code fences around the JSON are removed first.
// An empty reply or "{}" is reported as found=false with no error.
func (a *Assistant) RequestNonStreamingCompletion(ctx context.Context, messages []llm.Message, model string, v any) (bool, error) {
	content, err := a.backend.Complete(ctx, llm.ChatRequest{Model: model, Messages: messages})
	if err != nil {
		return false, err
	}

	body := suggest.StripCodeFence(content)
	if body == "" || body == "{}" {
		a.log.Debug("Completion returned no result: %q", truncate(content, 200))
		return false, nil
	}

	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("decode completion JSON: %w", err)
	}
	return true, nil
}

// QuickReplies asks the model for short replies to precedingMessage. It
// returns nil when the model declines to offer any.
func (a *Assistant) QuickReplies(ctx context.Context, precedingMessage string, uc profile.UserContext, model string) ([]string, error) {
	precedingMessage = strings.TrimSpace(precedingMessage)
	if precedingMessage == "" {
		return nil, nil
	}

	content, err := a.backend.Complete(ctx, llm.ChatRequest{
		Model:    model,
		Messages: prompt.QuickReplyMessages(precedingMessage, uc),
	})
	if err != nil {
		return nil, err
	}

	options := suggest.ParseQuickReplies(content)
	a.log.Debug("Parsed %d quick replies", len(options))
	return options, nil
}

// ConversationTask is a task drafted from the conversation on request.
type ConversationTask struct {
	Name           string                `json:"name"`
	AIContext      string                `json:"aiContext,omitempty"`
	DueDate        *string               `json:"dueDate,omitempty"`
	Importance     int                   `json:"importance"`
	ContextDetails string                `json:"contextDetails,omitempty"`
	ProjectID      FlexibleID            `json:"projectId,omitempty"`
	Subtasks       []ConversationSubtask `json:"subtasks"`
}

// ConversationSubtask is one step of a ConversationTask.
type ConversationSubtask struct {
	Name       string  `json:"name"`
	DueDate    *string `json:"dueDate,omitempty"`
	Importance int     `json:"importance,omitempty"`
	Context    string  `json:"context,omitempty"`
}

// FlexibleID accepts an identifier written as a JSON string or number.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// TaskFromConversation drafts a single task from the conversation. found is
// false when the model could not name a task.
func (a *Assistant) TaskFromConversation(ctx context.Context, history []ConversationMessage, userContextJSON, projectsJSON, model string) (*ConversationTask, bool, error) {
	var turns []ConversationMessage
	for _, m := range history {
		if m.Role != RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) == 0 {
		return nil, false, nil
	}

	task := ConversationTask{Importance: suggest.DefaultPriority}
	found, err := a.RequestNonStreamingCompletion(ctx,
		prompt.TaskExtractionMessages(ToWire(turns), userContextJSON, projectsJSON), model, &task)
	if err != nil || !found {
		return nil, false, err
	}

	task.Name = strings.TrimSpace(task.Name)
	if task.Name == "" {
		a.log.Warn("Drafted task has no name, discarding")
		return nil, false, nil
	}
	task.DueDate = suggest.NormalizeDate(task.DueDate)

	subtasks := task.Subtasks[:0]
	for _, st := range task.Subtasks {
		if st.Name = strings.TrimSpace(st.Name); st.Name == "" {
			continue
		}
		if st.Importance == 0 {
			st.Importance = suggest.DefaultPriority
		}
		st.DueDate = suggest.NormalizeDate(st.DueDate)
		subtasks = append(subtasks, st)
	}
	task.Subtasks = subtasks

	return &task, true, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
