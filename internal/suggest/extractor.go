package suggest

import (
	"strings"

	"github.com/youruser/productivai/internal/logging"
)

// Signals are the flag markers the model may append to a reply.
type Signals struct {
	NoOptions      bool `json:"no_options,omitempty"`
	CanSuggestTask bool `json:"can_suggest_task,omitempty"`
	RequestDueDate bool `json:"request_due_date,omitempty"`
}

// Extractor removes structured markers from streamed assistant text. Text is
// fed in arbitrary chunks; Feed returns only the text that can safely be
// rendered, withholding everything from an unclosed marker onward until the
// marker completes. An Extractor belongs to a single stream and is not safe
// for concurrent use.
type Extractor struct {
	log     *logging.Logger
	buf     string
	options []string
	signals Signals
}

// NewExtractor creates an extractor that reports discarded markers to log.
func NewExtractor(log *logging.Logger) *Extractor {
	if log == nil {
		log = logging.Nop()
	}
	return &Extractor{log: log}
}

// Feed appends chunk to the running buffer and returns the renderable text
// released by it together with any suggestions completed by it.
func (e *Extractor) Feed(chunk string) (string, []Suggestion) {
	e.buf += chunk

	var out strings.Builder
	var found []Suggestion

	for {
		idx, kind := findOpener(e.buf)
		if idx < 0 {
			keep := partialOpenerSuffix(e.buf)
			out.WriteString(e.buf[:len(e.buf)-keep])
			e.buf = e.buf[len(e.buf)-keep:]
			break
		}

		out.WriteString(e.buf[:idx])
		e.buf = e.buf[idx:]

		end := e.markerEnd(kind)
		if end < 0 {
			// Incomplete: hold the rest until more text arrives.
			break
		}

		if s, ok := e.consume(kind, e.buf[:end]); ok {
			found = append(found, s)
		}
		e.buf = e.buf[end:]
	}

	return out.String(), found
}

// Flush ends the stream. Withheld text that is not part of a marker is
// released; an unclosed bracketed marker is discarded. An options block that
// never saw its end delimiter still contributes its options.
func (e *Extractor) Flush() (string, []Suggestion) {
	text, found := e.Feed("")

	if e.buf != "" {
		idx, kind := findOpener(e.buf)
		switch {
		case idx < 0:
			// Only a partial delimiter prefix remains; it was ordinary text.
			text += e.buf
		case kind == markerOptions:
			e.setOptions(e.buf[len(OptionsStart):])
		default:
			e.log.Warn("Discarding unclosed %s marker at end of stream: %s", kind, truncate(e.buf, 200))
		}
		e.buf = ""
	}

	return text, found
}

// Pending reports whether text is currently being withheld.
func (e *Extractor) Pending() bool {
	return e.buf != ""
}

// QuickReplies returns the options block of the reply, or nil when the model
// sent the no-options sentinel or no block at all.
func (e *Extractor) QuickReplies() []string {
	if e.signals.NoOptions {
		return nil
	}
	return e.options
}

// Signals returns the flag markers seen so far.
func (e *Extractor) Signals() Signals {
	return e.signals
}

// markerEnd returns the index just past the marker at the start of the buffer,
// or -1 if it has not closed yet.
func (e *Extractor) markerEnd(kind markerKind) int {
	switch {
	case kind.bracketed():
		end, _ := scanBalanced(e.buf)
		return end
	case kind == markerOptions:
		i := strings.Index(e.buf[len(OptionsStart):], OptionsEnd)
		if i < 0 {
			return -1
		}
		return len(OptionsStart) + i + len(OptionsEnd)
	default:
		for _, op := range openers {
			if op.kind == kind {
				return len(op.token)
			}
		}
		return -1
	}
}

func (e *Extractor) consume(kind markerKind, marker string) (Suggestion, bool) {
	switch kind {
	case markerOptions:
		e.setOptions(marker[len(OptionsStart) : len(marker)-len(OptionsEnd)])
		return Suggestion{}, false
	case markerNoOptions:
		e.signals.NoOptions = true
		return Suggestion{}, false
	case markerCanSuggestTask:
		e.signals.CanSuggestTask = true
		return Suggestion{}, false
	case markerRequestDueDate:
		e.signals.RequestDueDate = true
		return Suggestion{}, false
	}

	if _, ok := scanBalanced(marker); !ok {
		e.log.Warn("Discarding unbalanced %s marker: %s", kind, truncate(marker, 200))
		return Suggestion{}, false
	}

	s, err := parseMarker(kind, marker)
	if err != nil {
		e.log.Warn("Discarding %s marker: %v: %s", kind, err, truncate(marker, 200))
		return Suggestion{}, false
	}
	e.log.Debug("Extracted %s suggestion %s", s.Kind, s.ID)
	return s, true
}

func (e *Extractor) setOptions(block string) {
	e.options = splitOptions(block)
}

// findOpener returns the position and kind of the earliest complete delimiter
// in s, or -1.
func findOpener(s string) (int, markerKind) {
	best, kind := -1, markerKind(0)
	for _, op := range openers {
		if i := strings.Index(s, op.token); i >= 0 && (best < 0 || i < best) {
			best, kind = i, op.kind
		}
	}
	return best, kind
}

// partialOpenerSuffix returns the length of the longest suffix of s that is a
// proper prefix of some delimiter. That suffix may still become a marker once
// the next chunk arrives, so it is held back.
func partialOpenerSuffix(s string) int {
	longest := 0
	for _, op := range openers {
		max := min(len(op.token)-1, len(s))
		for n := max; n > longest; n-- {
			if strings.HasSuffix(s, op.token[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// Parsed is the result of extracting markers from a complete message.
type Parsed struct {
	Text         string
	Suggestions  []Suggestion
	QuickReplies []string
	Signals      Signals
}

// Extract runs a complete message through a fresh Extractor.
func Extract(content string, log *logging.Logger) Parsed {
	e := NewExtractor(log)
	text, found := e.Feed(content)
	rest, more := e.Flush()
	return Parsed{
		Text:         text + rest,
		Suggestions:  append(found, more...),
		QuickReplies: e.QuickReplies(),
		Signals:      e.Signals(),
	}
}
