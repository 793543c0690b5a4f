package main

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/productivai/internal/assistant"
	"github.com/youruser/productivai/internal/config"
	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/store"
)

// scriptedBackend replays fixed events and answers completions with a fixed
// reply. With hang set, the stream waits for cancellation after its events.
type scriptedBackend struct {
	mu       sync.Mutex
	events   []llm.StreamEvent
	hang     bool
	complete string
	requests []llm.ChatRequest
}

func (b *scriptedBackend) Stream(ctx context.Context, req llm.ChatRequest) iter.Seq[llm.StreamEvent] {
	b.record(req)
	return func(yield func(llm.StreamEvent) bool) {
		for _, ev := range b.events {
			if !yield(ev) {
				return
			}
		}
		if b.hang {
			<-ctx.Done()
		}
	}
}

func (b *scriptedBackend) Complete(_ context.Context, req llm.ChatRequest) (string, error) {
	b.record(req)
	return b.complete, nil
}

func (b *scriptedBackend) record(req llm.ChatRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
}

func (b *scriptedBackend) lastRequest() llm.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	*server
	backend *scriptedBackend
	out     *lockedBuffer
	db      *store.DB
}

func newTestServer(t *testing.T, backend *scriptedBackend) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		DefaultModel:    "test-model",
		QuickReplyModel: "test-fast-model",
		ProfilePath:     filepath.Join(dir, "profile.toml"),
	}
	out := &lockedBuffer{}
	s := newServer(cfg, db, assistant.New(backend), logging.Nop(), out)
	s.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }
	return &testServer{server: s, backend: backend, out: out, db: db}
}

// do handles one request line and waits for any stream it started.
func (ts *testServer) do(t *testing.T, req map[string]any) {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)
	ts.handleRequest(string(line))
	ts.streams.Wait()
}

func (ts *testServer) responses(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(ts.out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "line %q", line)
		out = append(out, resp)
	}
	return out
}

// last returns the most recent response for reqID.
func (ts *testServer) last(t *testing.T, reqID string) map[string]any {
	t.Helper()
	all := ts.forRequest(t, reqID)
	require.NotEmpty(t, all, "no response for %s", reqID)
	return all[len(all)-1]
}

func (ts *testServer) forRequest(t *testing.T, reqID string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, resp := range ts.responses(t) {
		if resp["request_id"] == reqID {
			out = append(out, resp)
		}
	}
	return out
}

func (ts *testServer) newConversation(t *testing.T) string {
	t.Helper()
	ts.do(t, map[string]any{"action": "conversation_new", "request_id": "new"})
	resp := ts.last(t, "new")
	require.Equal(t, "ok", resp["type"])
	return resp["id"].(string)
}

func TestServeBasicActions(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	ts.do(t, map[string]any{"action": "ping", "request_id": "1"})
	assert.Equal(t, "ok", ts.last(t, "1")["type"])

	ts.do(t, map[string]any{"action": "version", "request_id": "2"})
	assert.Equal(t, versionString(), ts.last(t, "2")["version"])

	ts.do(t, map[string]any{"action": "nope", "request_id": "3"})
	assert.Equal(t, "error", ts.last(t, "3")["type"])
	assert.Contains(t, ts.last(t, "3")["message"], "Unknown action")

	ts.handleRequest("{not json")
	all := ts.responses(t)
	assert.Equal(t, "Invalid JSON", all[len(all)-1]["message"])

	ts.do(t, map[string]any{"action": "history", "request_id": "4"})
	assert.Equal(t, "Missing required field: conversation_id", ts.last(t, "4")["message"])
}

func TestServeSendPersistsTurnAndSuggestions(t *testing.T) {
	backend := &scriptedBackend{events: []llm.StreamEvent{
		{Type: llm.EventToken, Content: "Here you go. "},
		{Type: llm.EventToken, Content: `[TASK:{"title":"Write report",`},
		{Type: llm.EventToken, Content: `"dueDate":"2026-10-20"}]`},
		{Type: llm.EventToken, Content: "@@CAN_SUGGEST_TASK@@"},
		{Type: llm.EventDone, Usage: &llm.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}},
	}}
	ts := newTestServer(t, backend)
	convID := ts.newConversation(t)

	ts.do(t, map[string]any{
		"action":          "send",
		"request_id":      "s1",
		"conversation_id": convID,
		"content":         "Plan my week",
		"projects":        []any{map[string]any{"id": "p1", "name": "Work"}},
	})

	stream := ts.forRequest(t, "s1")
	var types []string
	for _, resp := range stream {
		types = append(types, resp["type"].(string))
	}
	assert.Equal(t, []string{"chunk", "suggestion", "done"}, types)
	assert.Equal(t, "Here you go. ", stream[0]["content"])

	suggestion := stream[1]["suggestion"].(map[string]any)
	assert.Equal(t, "task", suggestion["kind"])
	assert.Equal(t, "Write report", suggestion["task"].(map[string]any)["title"])

	done := stream[2]
	assert.Contains(t, done["html"], "<p>Here you go.</p>")
	assert.NotContains(t, done["html"], "TASK")
	assert.Equal(t, true, done["can_suggest_task"])
	assert.Equal(t, false, done["request_due_date"])
	assert.Equal(t, []any{}, done["quick_replies"])
	assert.Equal(t, float64(19), done["usage"].(map[string]any)["total_tokens"])

	req := backend.lastRequest()
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "2026-10-15 (Thursday)")
	assert.Contains(t, req.Messages[0].Content, `"name":"Work"`)
	assert.Equal(t, "Plan my week", req.Messages[1].Content)

	ts.do(t, map[string]any{"action": "history", "request_id": "h", "conversation_id": convID})
	msgs := ts.last(t, "h")["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	assert.Contains(t, msgs[1].(map[string]any)["content"], "[TASK:")

	ts.do(t, map[string]any{"action": "conversation_list", "request_id": "l"})
	convs := ts.last(t, "l")["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, "Plan my week", convs[0].(map[string]any)["title"])

	ts.do(t, map[string]any{"action": "suggestions", "request_id": "p", "conversation_id": convID})
	pending := ts.last(t, "p")["suggestions"].([]any)
	require.Len(t, pending, 1)
	stored := pending[0].(map[string]any)
	assert.Equal(t, suggestion["id"], stored["id"])
	assert.Equal(t, done["message_id"], stored["message_id"])

	ts.do(t, map[string]any{"action": "action_suggestion", "request_id": "a1", "suggestion_id": stored["id"]})
	first := ts.last(t, "a1")
	assert.Equal(t, "ok", first["type"])
	assert.Equal(t, true, first["suggestion"].(map[string]any)["is_actioned"])

	ts.do(t, map[string]any{"action": "action_suggestion", "request_id": "a2", "suggestion_id": stored["id"]})
	assert.Equal(t, "Suggestion already actioned", ts.last(t, "a2")["message"])

	ts.do(t, map[string]any{"action": "suggestions", "request_id": "p2", "conversation_id": convID})
	assert.Empty(t, ts.last(t, "p2")["suggestions"])

	ts.do(t, map[string]any{"action": "suggestions", "request_id": "p3", "conversation_id": convID, "all": true})
	assert.Len(t, ts.last(t, "p3")["suggestions"], 1)
}

func TestServeSendValidation(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{events: []llm.StreamEvent{{Type: llm.EventDone}}})
	convID := ts.newConversation(t)

	ts.do(t, map[string]any{"action": "send", "request_id": "s1", "conversation_id": convID, "content": "  "})
	assert.Equal(t, "Missing required field: content", ts.last(t, "s1")["message"])

	ts.do(t, map[string]any{"action": "send", "request_id": "s2", "conversation_id": "missing", "content": "hi"})
	assert.Contains(t, ts.last(t, "s2")["message"], "Not found")

	assert.False(t, ts.hasActiveStream())
}

func TestServeSendUpstreamError(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{events: []llm.StreamEvent{
		{Type: llm.EventToken, Content: "Partial"},
		{Type: llm.EventError, Error: "stream error: connection reset"},
	}})
	convID := ts.newConversation(t)

	ts.do(t, map[string]any{"action": "send", "request_id": "s1", "conversation_id": convID, "content": "hi"})

	resp := ts.last(t, "s1")
	assert.Equal(t, "error", resp["type"])
	assert.Contains(t, resp["message"], "connection reset")

	msgs, err := ts.db.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "failed turns are not persisted")
	assert.Equal(t, "user", msgs[0].Role)
}

func TestServeCancelSend(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{
		events: []llm.StreamEvent{{Type: llm.EventToken, Content: "Thinking about it"}},
		hang:   true,
	})
	convID := ts.newConversation(t)

	line, err := json.Marshal(map[string]any{"action": "send", "request_id": "s1", "conversation_id": convID, "content": "hi"})
	require.NoError(t, err)
	ts.handleRequest(string(line))

	require.Eventually(t, func() bool {
		return strings.Contains(ts.out.String(), `"type":"chunk"`)
	}, 2*time.Second, 5*time.Millisecond)

	line, err = json.Marshal(map[string]any{"action": "send", "request_id": "s2", "conversation_id": convID, "content": "again"})
	require.NoError(t, err)
	ts.handleRequest(string(line))
	assert.Equal(t, "Another request is already in progress", ts.last(t, "s2")["message"])

	ts.do(t, map[string]any{"action": "cancel", "request_id": "c1", "target_id": "s1"})
	assert.Equal(t, "ok", ts.last(t, "c1")["type"])

	done := ts.last(t, "s1")
	assert.Equal(t, "done", done["type"])
	assert.Equal(t, true, done["canceled"])
	assert.False(t, ts.hasActiveStream())

	ts.do(t, map[string]any{"action": "cancel", "request_id": "c2"})
	assert.Equal(t, "No active request to cancel", ts.last(t, "c2")["message"])
}

func TestServeCancelSendWithoutRequestID(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{
		events: []llm.StreamEvent{{Type: llm.EventToken, Content: "Thinking about it"}},
		hang:   true,
	})
	convID := ts.newConversation(t)

	line, err := json.Marshal(map[string]any{"action": "send", "conversation_id": convID, "content": "hi"})
	require.NoError(t, err)
	ts.handleRequest(string(line))

	require.Eventually(t, func() bool {
		return strings.Contains(ts.out.String(), `"type":"chunk"`)
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, ts.hasActiveStream())

	line, err = json.Marshal(map[string]any{"action": "send", "conversation_id": convID, "content": "again"})
	require.NoError(t, err)
	ts.handleRequest(string(line))

	ts.do(t, map[string]any{"action": "cancel"})

	var types []string
	var done map[string]any
	for _, resp := range ts.responses(t) {
		if _, ok := resp["request_id"]; ok {
			continue
		}
		typ, _ := resp["type"].(string)
		if typ == "chunk" {
			continue
		}
		types = append(types, typ)
		switch typ {
		case "error":
			assert.Equal(t, "Another request is already in progress", resp["message"])
		case "done":
			done = resp
		}
	}
	assert.Equal(t, []string{"error", "ok", "done"}, types)
	require.NotNil(t, done)
	assert.Equal(t, true, done["canceled"])
	assert.False(t, ts.hasActiveStream())

	ts.do(t, map[string]any{"action": "cancel", "request_id": "c"})
	assert.Equal(t, "No active request to cancel", ts.last(t, "c")["message"])
}

func TestServeQuickReplies(t *testing.T) {
	backend := &scriptedBackend{complete: "The website\nThe report\n"}
	ts := newTestServer(t, backend)
	convID := ts.newConversation(t)

	ctx := context.Background()
	_, err := ts.db.AppendMessage(ctx, convID, "user", "I have two projects", "m")
	require.NoError(t, err)
	_, err = ts.db.AppendMessage(ctx, convID, "assistant", "Which project first? @@REQUEST_DUE_DATE@@", "m")
	require.NoError(t, err)

	ts.do(t, map[string]any{"action": "quick_replies", "request_id": "q", "conversation_id": convID})

	resp := ts.last(t, "q")
	assert.Equal(t, "quick_replies", resp["type"])
	assert.Equal(t, []any{"The website", "The report"}, resp["quick_replies"])

	req := backend.lastRequest()
	assert.Equal(t, "test-fast-model", req.Model)
	assert.Contains(t, req.Messages[0].Content, "Which project first?")
	assert.NotContains(t, req.Messages[0].Content, "@@REQUEST_DUE_DATE@@")
}

func TestServeExtractTask(t *testing.T) {
	backend := &scriptedBackend{complete: "```json\n{\"name\":\"Write report\",\"importance\":2}\n```"}
	ts := newTestServer(t, backend)
	convID := ts.newConversation(t)

	_, err := ts.db.AppendMessage(context.Background(), convID, "user", "I must write the quarterly report", "m")
	require.NoError(t, err)

	ts.do(t, map[string]any{"action": "extract_task", "request_id": "x", "conversation_id": convID})

	resp := ts.last(t, "x")
	assert.Equal(t, "task", resp["type"])
	assert.Equal(t, true, resp["found"])
	task := resp["task"].(map[string]any)
	assert.Equal(t, "Write report", task["name"])
	assert.Equal(t, float64(2), task["importance"])

	backend.complete = "{}"
	ts.do(t, map[string]any{"action": "extract_task", "request_id": "y", "conversation_id": convID})
	assert.Equal(t, false, ts.last(t, "y")["found"])
}

func TestServeFormatTokensAndProfile(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	ts.do(t, map[string]any{
		"action":     "format",
		"request_id": "f",
		"content":    "**Done**\n\n\n\nNext [AI_SUGGEST_PROJECT name=\"Garden\" description=\"Spring work\"]\n@@OPTIONS_START@@\nYes\nNo\n@@OPTIONS_END@@",
	})
	formatted := ts.last(t, "f")
	assert.Contains(t, formatted["html"], "<strong>Done</strong>")
	assert.NotContains(t, formatted["html"], "AI_SUGGEST")
	assert.Equal(t, []any{"Yes", "No"}, formatted["quick_replies"])
	require.Len(t, formatted["suggestions"], 1)

	ts.do(t, map[string]any{
		"action":     "format",
		"request_id": "p",
		"partial":    true,
		"content":    "Here you go [AI_SUGGEST_PROJECT name=\"Gar",
	})
	partial := ts.last(t, "p")
	assert.Equal(t, "formatted", partial["type"])
	assert.Equal(t, true, partial["partial"])
	assert.Contains(t, partial["html"], "Here you go")
	assert.NotContains(t, partial["html"], "AI_SUGGEST")
	assert.NotContains(t, partial["html"], "Gar")

	ts.do(t, map[string]any{"action": "estimate_tokens", "request_id": "t", "text": "hello world"})
	assert.Greater(t, ts.last(t, "t")["tokens"], float64(0))

	ts.do(t, map[string]any{"action": "profile_get", "request_id": "g1"})
	assert.Equal(t, map[string]any{}, ts.last(t, "g1")["profile"])

	ts.do(t, map[string]any{
		"action":     "profile_set",
		"request_id": "s",
		"profile":    map[string]any{"workDescription": "Accountant", "shortTermFocus": "Exams"},
	})
	assert.Equal(t, "ok", ts.last(t, "s")["type"])

	ts.do(t, map[string]any{"action": "profile_get", "request_id": "g2"})
	assert.Equal(t, map[string]any{"workDescription": "Accountant", "shortTermFocus": "Exams"}, ts.last(t, "g2")["profile"])

	ts.do(t, map[string]any{"action": "profile_set", "request_id": "bad"})
	assert.Contains(t, ts.last(t, "bad")["message"], "Invalid profile")
}

func TestServeReadsLines(t *testing.T) {
	ts := newTestServer(t, &scriptedBackend{})

	in := strings.NewReader("{\"action\":\"ping\",\"request_id\":\"a\"}\n\n{\"action\":\"version\",\"request_id\":\"b\"}\n")
	require.NoError(t, ts.serve(in))

	all := ts.responses(t)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0]["request_id"])
	assert.Equal(t, "version", all[1]["type"])
}
