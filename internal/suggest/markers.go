package suggest

// Marker vocabulary shared by the system prompt and the extractor. The prompt
// package renders these constants into the instructions it gives the model, so
// both sides always agree on the exact bytes.
const (
	TaskOpen      = "[TASK:"
	TaskEditOpen  = "[TASK_EDIT:"
	ProjectOpen   = "[AI_SUGGEST_PROJECT"
	TaskIdeasOpen = "[AI_SUGGEST_TASK_IDEAS"

	OptionsStart = "@@OPTIONS_START@@"
	OptionsEnd   = "@@OPTIONS_END@@"
	NoOptions    = "@@NO_OPTIONS@@"

	CanSuggestTask = "@@CAN_SUGGEST_TASK@@"
	RequestDueDate = "@@REQUEST_DUE_DATE@@"
)

// MaxQuickReplies caps the options surfaced for one assistant turn.
const MaxQuickReplies = 4

type markerKind int

const (
	markerTask markerKind = iota
	markerTaskEdit
	markerProject
	markerTaskIdeas
	markerOptions
	markerNoOptions
	markerCanSuggestTask
	markerRequestDueDate
)

type opener struct {
	kind  markerKind
	token string
}

// openers lists every delimiter the extractor recognises.
var openers = []opener{
	{markerTask, TaskOpen},
	{markerTaskEdit, TaskEditOpen},
	{markerProject, ProjectOpen},
	{markerTaskIdeas, TaskIdeasOpen},
	{markerOptions, OptionsStart},
	{markerNoOptions, NoOptions},
	{markerCanSuggestTask, CanSuggestTask},
	{markerRequestDueDate, RequestDueDate},
}

func (k markerKind) String() string {
	switch k {
	case markerTask:
		return "task"
	case markerTaskEdit:
		return "task edit"
	case markerProject:
		return "project"
	case markerTaskIdeas:
		return "task ideas"
	case markerOptions:
		return "options"
	case markerNoOptions:
		return "no-options"
	case markerCanSuggestTask:
		return "can-suggest-task"
	case markerRequestDueDate:
		return "request-due-date"
	default:
		return "unknown"
	}
}

// bracketed reports whether the marker closes with a balanced ']'.
func (k markerKind) bracketed() bool {
	return k <= markerTaskIdeas
}
