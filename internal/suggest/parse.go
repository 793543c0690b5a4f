package suggest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// scanBalanced finds the end of the bracketed group opened by s[0]. It tracks nested brackets and braces and skips over the contents
// of double-quoted strings. It returns the index just past the closing
// bracket, or -1 if s ends before the marker closes. A closer that does not
// match the innermost opener ends the scan with ok=false.
func scanBalanced(s string) (end int, ok bool) {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '[', '{':
			stack = append(stack, c)
		case ']', '}':
			if len(stack) == 0 {
				return i + 1, false
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (c == ']' && open != '[') || (c == '}' && open != '{') {
				return i + 1, false
			}
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return -1, false
}

// parseMarker decodes a complete bracketed marker into a Suggestion.
func parseMarker(kind markerKind, marker string) (Suggestion, error) {
	var token string
	for _, op := range openers {
		if op.kind == kind {
			token = op.token
		}
	}
	body := strings.TrimSpace(marker[len(token) : len(marker)-1])

	switch kind {
	case markerTask:
		task, err := parseTask(body)
		if err != nil {
			return Suggestion{}, err
		}
		s := newSuggestion(KindTask)
		s.Task = task
		return s, nil

	case markerTaskEdit:
		edit := TaskEdit{Edited: Task{Priority: DefaultPriority}}
		if err := json.Unmarshal([]byte(body), &edit); err != nil {
			return Suggestion{}, fmt.Errorf("%w: %v", ErrMalformedMarker, err)
		}
		edit.OriginalID = strings.TrimSpace(edit.OriginalID)
		if edit.OriginalID == "" {
			return Suggestion{}, fmt.Errorf("%w: task edit has no originalId", ErrMalformedMarker)
		}
		if err := edit.Edited.normalize(); err != nil {
			return Suggestion{}, err
		}
		s := newSuggestion(KindTaskEdit)
		s.TaskEdit = &edit
		return s, nil

	case markerProject:
		attrs, err := parseAttributes(body)
		if err != nil {
			return Suggestion{}, err
		}
		name := strings.TrimSpace(attrs["name"])
		if name == "" {
			return Suggestion{}, fmt.Errorf("%w: project has no name", ErrMalformedMarker)
		}
		s := newSuggestion(KindProject)
		s.Project = &Project{Name: name, Description: strings.TrimSpace(attrs["description"])}
		return s, nil

	case markerTaskIdeas:
		attrs, err := parseAttributes(body)
		if err != nil {
			return Suggestion{}, err
		}
		var ideas []string
		if err := json.Unmarshal([]byte(attrs["ideas"]), &ideas); err != nil {
			return Suggestion{}, fmt.Errorf("%w: ideas: %v", ErrMalformedMarker, err)
		}
		ideas = compact(ideas)
		if len(ideas) == 0 {
			return Suggestion{}, fmt.Errorf("%w: no task ideas", ErrMalformedMarker)
		}
		s := newSuggestion(KindTaskIdeas)
		s.TaskIdeas = &TaskIdeas{ProjectID: strings.TrimSpace(attrs["project_id"]), Ideas: ideas}
		return s, nil
	}

	return Suggestion{}, fmt.Errorf("%w: unexpected %s marker", ErrMalformedMarker, kind)
}

func parseTask(body string) (*Task, error) {
	task := Task{Priority: DefaultPriority}
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMarker, err)
	}
	if err := task.normalize(); err != nil {
		return nil, err
	}
	return &task, nil
}

// parseAttributes reads space-separated key=value pairs. Values are either
// double-quoted strings (with backslash escapes) or balanced JSON arrays and
// objects, which are returned raw.
func parseAttributes(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	i := 0
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return attrs, nil
		}

		start := i
		for i < len(s) && isKeyChar(s[i]) {
			i++
		}
		key := s[start:i]
		if key == "" || i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("%w: bad attribute at %q", ErrMalformedMarker, truncate(s[start:], 40))
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("%w: attribute %s has no value", ErrMalformedMarker, key)
		}

		switch s[i] {
		case '"':
			val, n, err := readQuoted(s[i:])
			if err != nil {
				return nil, err
			}
			attrs[key] = val
			i += n
		case '[', '{':
			end, ok := scanBalanced(s[i:])
			if !ok {
				return nil, fmt.Errorf("%w: attribute %s is unbalanced", ErrMalformedMarker, key)
			}
			attrs[key] = s[i : i+end]
			i += end
		default:
			start := i
			for i < len(s) && !isSpace(s[i]) {
				i++
			}
			attrs[key] = s[start:i]
		}
	}
}

func readQuoted(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated quoted value", ErrMalformedMarker)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func compact(items []string) []string {
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
