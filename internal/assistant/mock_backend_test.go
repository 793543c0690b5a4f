package assistant

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/youruser/productivai/internal/llm"
)

type mockBackend struct {
	mock.Mock
}

func newMockBackend(t *testing.T) *mockBackend {
	m := &mockBackend{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockBackend) Stream(ctx context.Context, req llm.ChatRequest) iter.Seq[llm.StreamEvent] {
	args := m.Called(ctx, req)
	return args.Get(0).(iter.Seq[llm.StreamEvent])
}

func (m *mockBackend) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func mockAnyContext() any {
	return mock.Anything
}

// events returns a sequence replaying evs. stopped reports whether the
// consumer ended the sequence early.
func events(evs ...llm.StreamEvent) (seq iter.Seq[llm.StreamEvent], stopped *bool) {
	stopped = new(bool)
	seq = func(yield func(llm.StreamEvent) bool) {
		for _, ev := range evs {
			if !yield(ev) {
				*stopped = true
				return
			}
		}
	}
	return seq, stopped
}

func token(s string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.EventToken, Content: s}
}

func done() llm.StreamEvent {
	return llm.StreamEvent{Type: llm.EventDone}
}
