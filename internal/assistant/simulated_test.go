package assistant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/productivai/internal/config"
	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/profile"
	"github.com/youruser/productivai/internal/suggest"
)

func streamAll(t *testing.T, s *Simulated, msgs ...llm.Message) (string, []llm.StreamEvent) {
	t.Helper()
	var sb strings.Builder
	var evs []llm.StreamEvent
	for ev := range s.Stream(context.Background(), llm.ChatRequest{Messages: msgs}) {
		evs = append(evs, ev)
		sb.WriteString(ev.Content)
	}
	return sb.String(), evs
}

func TestSimulatedStream(t *testing.T) {
	s := NewSimulated(0, nil)

	t.Run("greeting", func(t *testing.T) {
		text, evs := streamAll(t, s, llm.Message{Role: llm.RoleUser, Content: "Hi there"})

		assert.True(t, strings.HasPrefix(text, "Hello!"))
		assert.Contains(t, text, "set an API key")
		require.NotEmpty(t, evs)
		assert.Equal(t, llm.EventDone, evs[len(evs)-1].Type)
		for _, ev := range evs[:len(evs)-1] {
			assert.Equal(t, llm.EventToken, ev.Type)
		}
	})

	t.Run("word boundaries", func(t *testing.T) {
		_, evs := streamAll(t, s, llm.Message{Role: llm.RoleUser, Content: "help"})

		assert.Greater(t, len(evs), 5)
		assert.Equal(t, "I ", evs[0].Content)
	})

	t.Run("echoes the query", func(t *testing.T) {
		text, _ := streamAll(t, s, llm.Message{Role: llm.RoleUser, Content: "weekend plans"})

		assert.Contains(t, text, `"weekend plans"`)
	})

	t.Run("counts earlier turns", func(t *testing.T) {
		text, _ := streamAll(t, s,
			llm.Message{Role: llm.RoleSystem, Content: "sys"},
			llm.Message{Role: llm.RoleUser, Content: "add a task"},
			llm.Message{Role: llm.RoleAssistant, Content: "ok"},
			llm.Message{Role: llm.RoleUser, Content: "another task"},
		)

		assert.Contains(t, text, "2 earlier messages")
	})

	t.Run("stops on cancel", func(t *testing.T) {
		slow := NewSimulated(time.Hour, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var n int
		for range slow.Stream(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}}}) {
			n++
		}
		assert.Zero(t, n)
	})
}

func TestSimulatedComplete(t *testing.T) {
	s := NewSimulated(0, nil)
	a := New(s)

	replies, err := a.QuickReplies(context.Background(), "Which day works?", profile.UserContext{}, "m")
	require.NoError(t, err)
	assert.Nil(t, replies)

	history := []ConversationMessage{{Role: RoleUser, Content: "remind me to call mum"}}
	task, found, err := a.TaskFromConversation(context.Background(), history, "", "", "m")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, task)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Complete(ctx, llm.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedTurnRunsThroughExtractor(t *testing.T) {
	a := New(NewSimulated(0, nil))

	r := runTurn(a.StreamCompletion(context.Background(),
		[]ConversationMessage{{Role: RoleUser, Content: "hello"}}, "m"))

	require.NoError(t, r.err)
	require.NotNil(t, r.summary)
	assert.Equal(t, r.summary.Content, r.summary.Text)
	assert.Equal(t, strings.Join(r.texts, ""), r.summary.Text)
	assert.NotContains(t, r.summary.Text, suggest.OptionsStart)
}

func TestNewBackend(t *testing.T) {
	log := logging.Nop()

	for _, key := range []string{"", "  ", config.PlaceholderAPIKey} {
		b := NewBackend(&config.Config{APIKey: key}, log)
		assert.IsType(t, &Simulated{}, b, "key %q", key)
	}

	b := NewBackend(&config.Config{
		APIKey:     "sk-live",
		BaseURL:    "https://openrouter.ai/api/v1",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, log)
	assert.IsType(t, &llm.Client{}, b)
}
