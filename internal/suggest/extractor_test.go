package suggest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/productivai/internal/logging"
)

// feedAll feeds chunks in order and flushes, returning the concatenated text
// and all suggestions.
func feedAll(e *Extractor, chunks ...string) (string, []Suggestion) {
	var text strings.Builder
	var all []Suggestion
	for _, c := range chunks {
		t, s := e.Feed(c)
		text.WriteString(t)
		all = append(all, s...)
	}
	t, s := e.Flush()
	text.WriteString(t)
	return text.String(), append(all, s...)
}

// splitEvery cuts s into pieces of n bytes.
func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func TestExtractorEndToEndChunks(t *testing.T) {
	e := NewExtractor(nil)

	text, found := e.Feed("Sure, ")
	assert.Equal(t, "Sure, ", text)
	assert.Empty(t, found)

	text, found = e.Feed(`[TASK:{"title":"Buy milk"`)
	assert.Empty(t, text)
	assert.Empty(t, found)
	assert.True(t, e.Pending())

	text, found = e.Feed(`,"priority":2}]`)
	assert.Empty(t, text)
	require.Len(t, found, 1)
	assert.Equal(t, KindTask, found[0].Kind)
	assert.Equal(t, "Buy milk", found[0].Task.Title)
	assert.Equal(t, 2, found[0].Task.Priority)
	assert.NotEmpty(t, found[0].ID)
	assert.False(t, found[0].IsActioned)

	text, found = e.Flush()
	assert.Empty(t, text)
	assert.Empty(t, found)
}

func TestExtractorTaskSplitAtEveryBoundary(t *testing.T) {
	marker := `[TASK:{"title":"Write report","description":"Q3 {numbers} and [charts]","priority":4,"dueDate":"2025-03-01","subtasks":["Gather data","Draft"]}]`
	full := "Here is a plan. " + marker + " Let me know."

	for size := 1; size <= len(full); size++ {
		e := NewExtractor(nil)
		var found []Suggestion
		for _, chunk := range splitEvery(full, size) {
			text, s := e.Feed(chunk)
			assert.NotContains(t, text, "{", "chunk size %d leaked raw JSON", size)
			assert.NotContains(t, text, "TASK", "chunk size %d leaked marker", size)
			found = append(found, s...)
		}
		_, rest := e.Flush()
		found = append(found, rest...)

		require.Len(t, found, 1, "chunk size %d", size)
		task := found[0].Task
		assert.Equal(t, "Write report", task.Title)
		assert.Equal(t, "Q3 {numbers} and [charts]", task.Description)
		assert.Equal(t, 4, task.Priority)
		require.NotNil(t, task.DueDate)
		assert.Equal(t, "2025-03-01", *task.DueDate)
		assert.Equal(t, []string{"Gather data", "Draft"}, task.Subtasks)
	}
}

func TestExtractorQuotedBraceDoesNotCloseScan(t *testing.T) {
	e := NewExtractor(nil)

	text, found := feedAll(e,
		`Done. [TASK:{"title":"Fix parser","description":"Use a } symbol`,
		`"}] Anything else?`,
	)

	assert.Equal(t, "Done.  Anything else?", text)
	require.Len(t, found, 1)
	assert.Equal(t, "Use a } symbol", found[0].Task.Description)
	assert.Equal(t, DefaultPriority, found[0].Task.Priority)
}

func TestExtractorEscapedQuoteInsideString(t *testing.T) {
	_, found := feedAll(NewExtractor(nil), `[TASK:{"title":"Say \"hi]\" to Bob"}]`)

	require.Len(t, found, 1)
	assert.Equal(t, `Say "hi]" to Bob`, found[0].Task.Title)
}

func TestExtractorTruncatedMarkerIsDiscarded(t *testing.T) {
	var buf bytes.Buffer
	e := NewExtractor(logging.New(&buf, logging.LevelDebug))

	text, found := feedAll(e, "Sure, ", `[TASK:{"title":"Buy milk"`, `,"priority":2`)

	assert.Equal(t, "Sure, ", text)
	assert.Empty(t, found)
	assert.False(t, e.Pending())
	assert.Contains(t, buf.String(), "Discarding unclosed task marker")
}

func TestExtractorMalformedMarkerIsStripped(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		var buf bytes.Buffer
		text, found := feedAll(NewExtractor(logging.New(&buf, logging.LevelWarn)), `before [TASK:{title: nope}] after`)

		assert.Equal(t, "before  after", text)
		assert.Empty(t, found)
		assert.Contains(t, buf.String(), "WARN")
	})

	t.Run("missing title", func(t *testing.T) {
		text, found := feedAll(NewExtractor(nil), `a[TASK:{"priority":1}]b`)
		assert.Equal(t, "ab", text)
		assert.Empty(t, found)
	})

	t.Run("mismatched closer", func(t *testing.T) {
		text, found := feedAll(NewExtractor(nil), `a[TASK:{"title":"x"]b`)
		assert.Equal(t, "ab", text)
		assert.Empty(t, found)
	})
}

func TestExtractorTaskEdit(t *testing.T) {
	_, found := feedAll(NewExtractor(nil),
		`Updated: [TASK_EDIT:{"originalId":"42","edited":{"title":"Call mom","priority":5,"dueDate":"2025-01-10T00:00:00"}}]`)

	require.Len(t, found, 1)
	assert.Equal(t, KindTaskEdit, found[0].Kind)
	assert.Equal(t, "42", found[0].TaskEdit.OriginalID)
	assert.Equal(t, "Call mom", found[0].TaskEdit.Edited.Title)
	assert.Equal(t, 5, found[0].TaskEdit.Edited.Priority)
	require.NotNil(t, found[0].TaskEdit.Edited.DueDate)
	assert.Equal(t, "2025-01-10", *found[0].TaskEdit.Edited.DueDate)
}

func TestExtractorProjectSuggestion(t *testing.T) {
	text, found := feedAll(NewExtractor(nil),
		"This sounds like a bigger effort.\n",
		`[AI_SUGGEST_PROJECT name="Home Renovation" description="Plan the kitchen [phase 1] and \"bath\"."]`,
	)

	assert.Equal(t, "This sounds like a bigger effort.\n", text)
	require.Len(t, found, 1)
	assert.Equal(t, KindProject, found[0].Kind)
	assert.Equal(t, "Home Renovation", found[0].Project.Name)
	assert.Equal(t, `Plan the kitchen [phase 1] and "bath".`, found[0].Project.Description)
}

func TestExtractorTaskIdeas(t *testing.T) {
	text, found := feedAll(NewExtractor(nil),
		`Great list! [AI_SUGGEST_TASK_IDEAS project_id="7" ideas=["Pick tiles", "Get quotes", " "]]`)

	assert.Equal(t, "Great list! ", text)
	require.Len(t, found, 1)
	assert.Equal(t, KindTaskIdeas, found[0].Kind)
	assert.Equal(t, "7", found[0].TaskIdeas.ProjectID)
	assert.Equal(t, []string{"Pick tiles", "Get quotes"}, found[0].TaskIdeas.Ideas)
}

func TestExtractorMultipleMarkers(t *testing.T) {
	content := `One [TASK:{"title":"A"}] two [AI_SUGGEST_PROJECT name="P" description="D"] three [TASK:{"title":"B"}]`
	text, found := feedAll(NewExtractor(nil), splitEvery(content, 7)...)

	assert.Equal(t, "One  two  three ", text)
	require.Len(t, found, 3)
	assert.Equal(t, "A", found[0].Task.Title)
	assert.Equal(t, "P", found[1].Project.Name)
	assert.Equal(t, "B", found[2].Task.Title)
	assert.NotEqual(t, found[0].ID, found[2].ID)
}

func TestExtractorQuickReplies(t *testing.T) {
	t.Run("options block", func(t *testing.T) {
		e := NewExtractor(nil)
		text, _ := feedAll(e, "Which day works?\n@@OPTIONS_", "START@@\nMonday\n  Tuesday \n\nLater\n@@OPTIONS_END@@")

		assert.Equal(t, "Which day works?\n", text)
		assert.Equal(t, []string{"Monday", "Tuesday", "Later"}, e.QuickReplies())
	})

	t.Run("capped", func(t *testing.T) {
		e := NewExtractor(nil)
		feedAll(e, "@@OPTIONS_START@@\na\nb\nc\nd\ne\n@@OPTIONS_END@@")
		assert.Len(t, e.QuickReplies(), MaxQuickReplies)
	})

	t.Run("unclosed block at end is salvaged", func(t *testing.T) {
		e := NewExtractor(nil)
		text, _ := feedAll(e, "Pick one\n@@OPTIONS_START@@\nYes\nNo")

		assert.Equal(t, "Pick one\n", text)
		assert.Equal(t, []string{"Yes", "No"}, e.QuickReplies())
	})

	t.Run("no options sentinel as whole buffer", func(t *testing.T) {
		e := NewExtractor(nil)
		text, found := feedAll(e, NoOptions)

		assert.Empty(t, text)
		assert.Empty(t, found)
		assert.Empty(t, e.QuickReplies())
		assert.True(t, e.Signals().NoOptions)
	})

	t.Run("sentinel suppresses block", func(t *testing.T) {
		e := NewExtractor(nil)
		feedAll(e, "@@OPTIONS_START@@\nA\n@@OPTIONS_END@@\n@@NO_OPTIONS@@")
		assert.Nil(t, e.QuickReplies())
	})
}

func TestExtractorSignals(t *testing.T) {
	e := NewExtractor(nil)
	text, _ := feedAll(e, "When is it due? @@REQUEST_DUE", "_DATE@@ @@CAN_SUGGEST_TASK@@")

	assert.Equal(t, "When is it due?  ", text)
	assert.True(t, e.Signals().RequestDueDate)
	assert.True(t, e.Signals().CanSuggestTask)
	assert.False(t, e.Signals().NoOptions)
}

func TestExtractorHoldsPartialDelimiter(t *testing.T) {
	e := NewExtractor(nil)

	text, _ := e.Feed("Array index a[")
	assert.Equal(t, "Array index a", text)

	text, _ = e.Feed("0] is first")
	assert.Equal(t, "[0] is first", text)

	text, _ = e.Feed(" email me @")
	assert.Equal(t, " email me ", text)

	text, _ = e.Flush()
	assert.Equal(t, "@", text)
}

func TestExtractorTextIsContentMinusMarkers(t *testing.T) {
	pieces := []struct {
		text   string
		marker bool
	}{
		{"Here's what I suggest:\n\n- stretch\n- [optional] walk\n", false},
		{`[TASK:{"title":"Morning run","subtasks":["Shoes","Route {5k}"]}]`, true},
		{"\nAlso a project idea. ", false},
		{`[AI_SUGGEST_PROJECT name="Fitness" description="Get fit by \"June\""]`, true},
		{" Arrays like x[1] are fine. ", false},
		{"@@CAN_SUGGEST_TASK@@", true},
		{"\n", false},
		{"@@OPTIONS_START@@\nSounds good\nNot now\n@@OPTIONS_END@@", true},
	}

	var full, want strings.Builder
	for _, p := range pieces {
		full.WriteString(p.text)
		if !p.marker {
			want.WriteString(p.text)
		}
	}

	for _, size := range []int{1, 2, 3, 5, 8, 13, 64, full.Len()} {
		e := NewExtractor(nil)
		text, found := feedAll(e, splitEvery(full.String(), size)...)

		assert.Equal(t, want.String(), text, "chunk size %d", size)
		assert.Len(t, found, 2, "chunk size %d", size)
		assert.Equal(t, []string{"Sounds good", "Not now"}, e.QuickReplies())
	}
}

func TestExtract(t *testing.T) {
	parsed := Extract(`Ok [TASK:{"title":"T"}]@@REQUEST_DUE_DATE@@`, nil)

	assert.Equal(t, "Ok ", parsed.Text)
	require.Len(t, parsed.Suggestions, 1)
	assert.True(t, parsed.Signals.RequestDueDate)
	assert.Nil(t, parsed.QuickReplies)
}

func TestSuggestionMarkActioned(t *testing.T) {
	s := newSuggestion(KindProject)
	s.Project = &Project{Name: "P"}

	require.NoError(t, s.MarkActioned())
	assert.True(t, s.IsActioned)
	assert.ErrorIs(t, s.MarkActioned(), ErrAlreadyActioned)
	assert.True(t, s.IsActioned)
}
