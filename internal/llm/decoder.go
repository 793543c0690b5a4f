package llm

import (
	"encoding/json"
	"strings"

	"github.com/youruser/productivai/internal/logging"
)

// Decoder turns raw SSE lines into StreamEvents. It remembers the last usage
// object seen so the Done event can carry it; use one Decoder per stream.
type Decoder struct {
	log   *logging.Logger
	usage *Usage
}

// NewDecoder creates a decoder that reports skipped chunks to log.
func NewDecoder(log *logging.Logger) *Decoder {
	if log == nil {
		log = logging.Nop()
	}
	return &Decoder{log: log}
}

// DecodeLine decodes a single line without logging or usage tracking.
func DecodeLine(line string) (StreamEvent, bool) {
	return NewDecoder(nil).Decode(line)
}

// Decode parses one raw line. The boolean is false for lines that carry no
// event: blank lines, lines without the data prefix, chunks without content,
// and malformed JSON (skipped so one bad chunk never aborts the stream).
func (d *Decoder) Decode(line string) (StreamEvent, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return StreamEvent{}, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if data == "" {
		return StreamEvent{}, false
	}

	if data == doneSentinel {
		return StreamEvent{Type: EventDone, Usage: d.usage}, true
	}

	var resp ChatResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		d.log.Warn("Skipping malformed chunk (%v): %s", err, truncate(data, 200))
		return StreamEvent{}, false
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "upstream reported an error"
		}
		return StreamEvent{Type: EventError, Error: msg}, true
	}

	// Capture usage if present (typically in the final chunk)
	if resp.Usage != nil {
		d.usage = resp.Usage
		d.log.Debug("Captured usage: prompt=%d, completion=%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	if len(resp.Choices) == 0 {
		return StreamEvent{}, false
	}

	delta := resp.Choices[0].Delta
	if delta == nil {
		delta = resp.Choices[0].Message
	}
	if delta == nil {
		return StreamEvent{}, false
	}

	switch {
	case delta.Content != "":
		// Reasoning that arrives alongside content rides on the token event,
		// ahead of it in arrival order.
		return StreamEvent{Type: EventToken, Content: delta.Content, Reasoning: delta.Reasoning}, true
	case delta.Reasoning != "":
		return StreamEvent{Type: EventReasoning, Reasoning: delta.Reasoning}, true
	default:
		return StreamEvent{}, false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
