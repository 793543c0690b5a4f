package suggest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedMarker = errors.New("malformed marker")
	ErrAlreadyActioned = errors.New("suggestion already actioned")
)

// DefaultPriority is applied to task payloads that omit a priority.
const DefaultPriority = 3

const dateLayout = "2006-01-02"

// Kind tags a Suggestion's payload.
type Kind string

const (
	KindTask      Kind = "task"
	KindTaskEdit  Kind = "task_edit"
	KindProject   Kind = "project"
	KindTaskIdeas Kind = "task_ideas"
)

// Task is the payload of a [TASK:{...}] marker.
type Task struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	DueDate     *string  `json:"dueDate,omitempty"`
	Subtasks    []string `json:"subtasks,omitempty"`
}

// TaskEdit is the payload of a [TASK_EDIT:{...}] marker.
type TaskEdit struct {
	OriginalID string `json:"originalId"`
	Edited     Task   `json:"edited"`
}

// Project is the payload of an [AI_SUGGEST_PROJECT ...] marker.
type Project struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TaskIdeas is the payload of an [AI_SUGGEST_TASK_IDEAS ...] marker.
type TaskIdeas struct {
	ProjectID string   `json:"projectId"`
	Ideas     []string `json:"ideas"`
}

// Suggestion is one structured block extracted from assistant output.
// Exactly one payload field is set, matching Kind.
type Suggestion struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Task       *Task      `json:"task,omitempty"`
	TaskEdit   *TaskEdit  `json:"task_edit,omitempty"`
	Project    *Project   `json:"project,omitempty"`
	TaskIdeas  *TaskIdeas `json:"task_ideas,omitempty"`
	IsActioned bool       `json:"is_actioned"`
}

func newSuggestion(kind Kind) Suggestion {
	return Suggestion{ID: uuid.NewString(), Kind: kind}
}

// MarkActioned records that the user accepted or dismissed the suggestion.
// The flag flips once and is never reverted.
func (s *Suggestion) MarkActioned() error {
	if s.IsActioned {
		return ErrAlreadyActioned
	}
	s.IsActioned = true
	return nil
}

// Title returns a short human label for the suggestion.
func (s Suggestion) Title() string {
	switch s.Kind {
	case KindTask:
		return s.Task.Title
	case KindTaskEdit:
		return s.TaskEdit.Edited.Title
	case KindProject:
		return s.Project.Name
	case KindTaskIdeas:
		return fmt.Sprintf("%d task ideas", len(s.TaskIdeas.Ideas))
	default:
		return ""
	}
}

func (t *Task) normalize() error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return fmt.Errorf("%w: task has no title", ErrMalformedMarker)
	}
	t.DueDate = NormalizeDate(t.DueDate)

	subtasks := t.Subtasks[:0]
	for _, st := range t.Subtasks {
		if st = strings.TrimSpace(st); st != "" {
			subtasks = append(subtasks, st)
		}
	}
	t.Subtasks = subtasks
	return nil
}

// NormalizeDate keeps the YYYY-MM-DD part of a date string. Values that do not
// start with a valid date are dropped rather than failing the whole payload.
func NormalizeDate(d *string) *string {
	if d == nil {
		return nil
	}
	s := strings.TrimSpace(*d)
	if len(s) < len(dateLayout) {
		return nil
	}
	s = s[:len(dateLayout)]
	if _, err := time.Parse(dateLayout, s); err != nil {
		return nil
	}
	return &s
}
