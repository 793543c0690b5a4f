package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/youruser/productivai/internal/assistant"
	"github.com/youruser/productivai/internal/config"
	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/profile"
	"github.com/youruser/productivai/internal/prompt"
	"github.com/youruser/productivai/internal/render"
	"github.com/youruser/productivai/internal/store"
	"github.com/youruser/productivai/internal/suggest"
)

const maxRequestSize = 1024 * 1024

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer JSON-lines requests on stdin (one request per line)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			s := newServer(a.cfg, a.db, a.assistant, a.log, cmd.OutOrStdout())
			return s.serve(cmd.InOrStdin())
		},
	}
}

// streamState tracks the single running send. requestID may be empty when
// the client sent no request_id, so active alone marks a reservation.
type streamState struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	requestID string
	active    bool
	canceled  bool
}

// server answers one JSON object per input line. Only one send may stream
// at a time; other actions are answered while it runs.
type server struct {
	cfg       *config.Config
	db        *store.DB
	assistant *assistant.Assistant
	log       *logging.Logger
	now       func() time.Time

	respondMu sync.Mutex
	out       io.Writer

	activeStream streamState
	streams      sync.WaitGroup
}

func newServer(cfg *config.Config, db *store.DB, a *assistant.Assistant, log *logging.Logger, out io.Writer) *server {
	return &server{
		cfg:       cfg,
		db:        db,
		assistant: a,
		log:       log.With("serve"),
		now:       time.Now,
		out:       out,
	}
}

func (s *server) serve(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleRequest(line)
	}
	if s.hasActiveStream() {
		s.log.Info("Input closed, waiting for the active stream to finish")
	}
	s.streams.Wait()

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB).",
			})
		}
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func (s *server) handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("Invalid JSON request: %s", line)
		s.respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	s.log.Request(action, line)
	reqID := requestID(req)
	ctx := context.Background()

	switch action {
	case "ping":
		s.respond(reqID, map[string]any{"type": "ok"})

	case "version":
		s.respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "conversation_new":
		title, _ := req["title"].(string)
		conv, err := s.db.CreateConversation(ctx, strings.TrimSpace(title))
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok", "id": conv.ID})

	case "conversation_list":
		convs, err := s.db.ListConversations(ctx, intField(req, "limit"))
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "conversation_list", "conversations": nonNil(convs)})

	case "history":
		convID, ok := s.requireField(reqID, req, "conversation_id")
		if !ok {
			return
		}
		msgs, err := s.db.ListMessages(ctx, convID)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "history", "messages": nonNil(msgs)})

	case "send":
		if !s.reserveActiveStream(reqID) {
			s.respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
			return
		}
		s.streams.Add(1)
		go func() {
			defer s.streams.Done()
			s.handleSend(reqID, req)
		}()

	case "cancel":
		targetID, _ := req["target_id"].(string)
		if !s.cancelActiveStream(targetID) {
			s.respond(reqID, map[string]any{"type": "error", "message": "No active request to cancel"})
			return
		}
		s.respond(reqID, map[string]any{"type": "ok"})

	case "quick_replies":
		s.handleQuickReplies(ctx, reqID, req)

	case "extract_task":
		s.handleExtractTask(ctx, reqID, req)

	case "suggestions":
		convID, ok := s.requireField(reqID, req, "conversation_id")
		if !ok {
			return
		}
		all, _ := req["all"].(bool)
		items, err := s.db.ListSuggestions(ctx, convID, !all)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "suggestions", "suggestions": nonNil(items)})

	case "action_suggestion":
		id, ok := s.requireField(reqID, req, "suggestion_id")
		if !ok {
			return
		}
		item, err := s.db.MarkActioned(ctx, id)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok", "suggestion": item})

	case "estimate_tokens":
		text, _ := req["text"].(string)
		tokens, err := llm.EstimateTokens(text)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "tokens", "tokens": tokens})

	case "format":
		content, _ := req["content"].(string)
		if partial, _ := req["partial"].(bool); partial {
			html, err := render.FormatPartial(content)
			if err != nil {
				s.respond(reqID, errorResponse(err))
				return
			}
			s.respond(reqID, map[string]any{"type": "formatted", "html": html, "partial": true})
			return
		}
		msg, err := render.FormatMessage(content, s.log)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{
			"type":             "formatted",
			"html":             msg.HTML,
			"suggestions":      nonNil(msg.Parsed.Suggestions),
			"quick_replies":    nonNil(msg.Parsed.QuickReplies),
			"can_suggest_task": msg.Parsed.Signals.CanSuggestTask,
			"request_due_date": msg.Parsed.Signals.RequestDueDate,
		})

	case "profile_get":
		uc, err := profile.Load(s.cfg.ProfilePath)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "profile", "profile": uc})

	case "profile_set":
		var uc profile.UserContext
		if err := remarshal(req["profile"], &uc); err != nil {
			s.respond(reqID, map[string]any{"type": "error", "message": "Invalid profile: " + err.Error()})
			return
		}
		if err := profile.Save(s.cfg.ProfilePath, uc); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok"})

	default:
		s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %q", action)})
	}
}

func (s *server) handleSend(reqID string, req map[string]any) {
	defer s.clearActiveStream(reqID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !s.setActiveStreamCancel(reqID, cancel) || s.wasStreamCanceled(reqID) {
		s.respond(reqID, map[string]any{"type": "done", "canceled": true})
		return
	}

	convID, ok := s.requireField(reqID, req, "conversation_id")
	if !ok {
		return
	}
	content, _ := req["content"].(string)
	if strings.TrimSpace(content) == "" {
		s.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: content"})
		return
	}
	model, _ := req["model"].(string)
	if model == "" {
		model = s.cfg.DefaultModel
	}

	conv, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	if _, err := s.db.AppendMessage(ctx, convID, string(assistant.RoleUser), content, model); err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	if conv.Title == "" {
		if err := s.db.SetTitle(ctx, convID, titleFrom(content)); err != nil {
			s.log.Warn("Setting title for %s: %v", convID, err)
		}
	}

	history, err := s.buildHistory(ctx, convID, req)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}

	var (
		summary     *assistant.Summary
		suggestions []suggest.Suggestion
	)
	for inc, err := range s.assistant.StreamCompletion(ctx, history, model) {
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		switch inc.Kind {
		case assistant.IncrementText:
			s.log.Stream("chunk", inc.Text)
			s.respond(reqID, map[string]any{"type": "chunk", "content": inc.Text})
		case assistant.IncrementReasoning:
			s.respond(reqID, map[string]any{"type": "reasoning", "content": inc.Text})
		case assistant.IncrementSuggestion:
			suggestions = append(suggestions, *inc.Suggestion)
			s.respond(reqID, map[string]any{"type": "suggestion", "suggestion": inc.Suggestion})
		case assistant.IncrementDone:
			summary = inc.Summary
		}
	}
	if summary == nil {
		s.log.Info("Send %s canceled", reqID)
		s.respond(reqID, map[string]any{"type": "done", "canceled": true})
		return
	}

	persistCtx := context.WithoutCancel(ctx)
	msg, err := s.db.AppendMessage(persistCtx, convID, string(assistant.RoleAssistant), summary.Content, model)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	if err := s.db.SaveSuggestions(persistCtx, convID, msg.ID, suggestions); err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}

	html, err := render.Markdown(summary.Text)
	if err != nil {
		s.log.Warn("Rendering reply: %v", err)
		html = ""
	}

	s.respond(reqID, map[string]any{
		"type":             "done",
		"message_id":       msg.ID,
		"html":             html,
		"quick_replies":    nonNil(summary.QuickReplies),
		"can_suggest_task": summary.Signals.CanSuggestTask,
		"request_due_date": summary.Signals.RequestDueDate,
		"usage":            summary.Usage,
	})
}

// buildHistory returns the system prompt followed by the stored conversation.
func (s *server) buildHistory(ctx context.Context, convID string, req map[string]any) ([]assistant.ConversationMessage, error) {
	userContext, err := s.userContextJSON(req)
	if err != nil {
		return nil, err
	}
	tasks := jsonField(req, "tasks")
	projects := jsonField(req, "projects")

	stored, err := s.db.ListMessages(ctx, convID)
	if err != nil {
		return nil, err
	}

	history := make([]assistant.ConversationMessage, 0, len(stored)+1)
	history = append(history, assistant.ConversationMessage{
		Role:    assistant.RoleSystem,
		Content: prompt.BuildSystemPrompt(userContext, tasks, projects, s.now()),
	})
	for _, m := range stored {
		history = append(history, assistant.ConversationMessage{
			Role:      assistant.ParseRole(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return history, nil
}

// userContextJSON prefers the request's user_context over the saved profile.
func (s *server) userContextJSON(req map[string]any) (string, error) {
	if uc := jsonField(req, "user_context"); uc != "" {
		return uc, nil
	}
	uc, err := profile.Load(s.cfg.ProfilePath)
	if err != nil {
		return "", err
	}
	return uc.JSON(), nil
}

func (s *server) handleQuickReplies(ctx context.Context, reqID string, req map[string]any) {
	convID, ok := s.requireField(reqID, req, "conversation_id")
	if !ok {
		return
	}
	msgs, err := s.db.ListMessages(ctx, convID)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}

	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == string(assistant.RoleAssistant) {
			last = suggest.Extract(msgs[i].Content, s.log).Text
			break
		}
	}

	uc, err := profile.Load(s.cfg.ProfilePath)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	model, _ := req["model"].(string)
	if model == "" {
		model = s.cfg.QuickReplyModel
	}

	options, err := s.assistant.QuickReplies(ctx, last, uc, model)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	s.respond(reqID, map[string]any{"type": "quick_replies", "quick_replies": nonNil(options)})
}

func (s *server) handleExtractTask(ctx context.Context, reqID string, req map[string]any) {
	convID, ok := s.requireField(reqID, req, "conversation_id")
	if !ok {
		return
	}
	msgs, err := s.db.ListMessages(ctx, convID)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	history := make([]assistant.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, assistant.ConversationMessage{
			Role:      assistant.ParseRole(m.Role),
			Content:   suggest.Extract(m.Content, s.log).Text,
			CreatedAt: m.CreatedAt,
		})
	}

	userContext, err := s.userContextJSON(req)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	model, _ := req["model"].(string)
	if model == "" {
		model = s.cfg.QuickReplyModel
	}

	task, found, err := s.assistant.TaskFromConversation(ctx, history, userContext, jsonField(req, "projects"), model)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	if !found {
		s.respond(reqID, map[string]any{"type": "task", "found": false})
		return
	}
	s.respond(reqID, map[string]any{"type": "task", "found": true, "task": task})
}

func (s *server) requireField(reqID string, req map[string]any, name string) (string, bool) {
	v, _ := req[name].(string)
	if v == "" {
		s.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: " + name})
		return "", false
	}
	return v, true
}

func (s *server) reserveActiveStream(reqID string) bool {
	s.activeStream.mu.Lock()
	defer s.activeStream.mu.Unlock()
	if s.activeStream.active {
		return false
	}
	s.activeStream.active = true
	s.activeStream.requestID = reqID
	s.activeStream.cancel = nil
	s.activeStream.canceled = false
	return true
}

func (s *server) setActiveStreamCancel(reqID string, cancel context.CancelFunc) bool {
	s.activeStream.mu.Lock()
	defer s.activeStream.mu.Unlock()
	if !s.activeStream.active || s.activeStream.requestID != reqID {
		return false
	}
	s.activeStream.cancel = cancel
	return true
}

func (s *server) clearActiveStream(reqID string) {
	s.activeStream.mu.Lock()
	defer s.activeStream.mu.Unlock()
	if !s.activeStream.active || s.activeStream.requestID != reqID {
		return
	}
	s.activeStream.active = false
	s.activeStream.requestID = ""
	s.activeStream.cancel = nil
	s.activeStream.canceled = false
}

func (s *server) cancelActiveStream(targetID string) bool {
	s.activeStream.mu.Lock()
	if !s.activeStream.active {
		s.activeStream.mu.Unlock()
		return false
	}
	if targetID != "" && s.activeStream.requestID != targetID {
		s.activeStream.mu.Unlock()
		return false
	}
	cancel := s.activeStream.cancel
	s.activeStream.canceled = true
	s.activeStream.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (s *server) wasStreamCanceled(reqID string) bool {
	s.activeStream.mu.Lock()
	defer s.activeStream.mu.Unlock()
	return s.activeStream.active && s.activeStream.requestID == reqID && s.activeStream.canceled
}

func (s *server) hasActiveStream() bool {
	s.activeStream.mu.Lock()
	defer s.activeStream.mu.Unlock()
	return s.activeStream.active
}

func errorResponse(err error) map[string]any {
	var msg string
	var status *llm.StatusError
	switch {
	case errors.Is(err, store.ErrAlreadyActioned):
		msg = "Suggestion already actioned"
	case errors.Is(err, store.ErrNotFound):
		msg = "Not found: " + err.Error()
	case errors.As(err, &status):
		msg = fmt.Sprintf("Request failed with status %d", status.StatusCode)
	case errors.Is(err, context.Canceled):
		msg = "Response aborted by user."
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func (s *server) respond(reqID string, data map[string]any) {
	out, err := json.Marshal(addResponseID(reqID, data))
	if err != nil {
		s.log.Error("Encoding response: %v", err)
		return
	}
	msgType, _ := data["type"].(string)
	s.respondMu.Lock()
	defer s.respondMu.Unlock()
	s.log.Response(msgType, string(out))
	fmt.Fprintln(s.out, string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// jsonField returns req[name] as JSON text. Strings are passed through so
// clients may send either pre-encoded JSON or an object.
func jsonField(req map[string]any, name string) string {
	switch v := req[name].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func intField(req map[string]any, name string) int {
	if v, ok := req[name].(float64); ok {
		return int(v)
	}
	return 0
}

func remarshal(in any, out any) error {
	if in == nil {
		return errors.New("missing")
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:60]) + "..."
	}
	return title
}
