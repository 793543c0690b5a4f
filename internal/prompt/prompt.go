// Package prompt assembles the system and user prompts sent to the model.
// The marker syntax in the prompts comes from the suggest package constants,
// so the instructions always match what the extractor parses.
package prompt

import (
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/profile"
	"github.com/youruser/productivai/internal/suggest"
)

//go:embed system_prompt.txt
var systemPrompt string

//go:embed quick_reply_prompt.txt
var quickReplyPrompt string

//go:embed task_prompt.txt
var taskPrompt string

const (
	emptyJSON   = "{}"
	notProvided = "Not provided"
	dateLayout  = "2006-01-02 (Monday)"
)

// markerPairs maps template placeholders to the marker vocabulary.
var markerPairs = []string{
	"{{TASK_OPEN}}", suggest.TaskOpen,
	"{{TASK_EDIT_OPEN}}", suggest.TaskEditOpen,
	"{{PROJECT_OPEN}}", suggest.ProjectOpen,
	"{{TASK_IDEAS_OPEN}}", suggest.TaskIdeasOpen,
	"{{OPTIONS_START}}", suggest.OptionsStart,
	"{{OPTIONS_END}}", suggest.OptionsEnd,
	"{{NO_OPTIONS}}", suggest.NoOptions,
	"{{CAN_SUGGEST_TASK}}", suggest.CanSuggestTask,
	"{{REQUEST_DUE_DATE}}", suggest.RequestDueDate,
}

// fill substitutes placeholders in one pass, so values that happen to contain
// placeholder text are never expanded.
func fill(template string, pairs ...string) string {
	all := append(append([]string{}, markerPairs...), pairs...)
	return strings.NewReplacer(all...).Replace(template)
}

// orEmptyObject returns "{}" for blank or null JSON input.
func orEmptyObject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return emptyJSON
	}
	return s
}

// BuildSystemPrompt renders the main chat system prompt. Blank inputs are
// rendered as "{}".
func BuildSystemPrompt(userContextJSON, activeTasksJSON, projectsJSON string, currentDate time.Time) string {
	return fill(systemPrompt,
		"{{CURRENT_DATE}}", currentDate.Format(dateLayout),
		"{{USER_CONTEXT}}", orEmptyObject(userContextJSON),
		"{{ACTIVE_TASKS}}", orEmptyObject(activeTasksJSON),
		"{{PROJECTS}}", orEmptyObject(projectsJSON),
	)
}

// QuickReplyMessages builds the request for the quick-reply sub-task.
func QuickReplyMessages(precedingMessage string, uc profile.UserContext) []llm.Message {
	system := fill(quickReplyPrompt,
		"{{PRECEDING_MESSAGE}}", precedingMessage,
		"{{WORK_DESCRIPTION}}", orNotProvided(uc.WorkDescription),
		"{{SHORT_TERM_FOCUS}}", orNotProvided(uc.ShortTermFocus),
		"{{LONG_TERM_GOALS}}", orNotProvided(uc.LongTermGoals),
		"{{OTHER_CONTEXT}}", orNotProvided(uc.OtherContext),
	)
	user := "The assistant's last message was:\n\n\"" + precedingMessage +
		"\"\n\nSuggest suitable quick replies for the user."

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}

// TaskExtractionMessages builds the request for the task-from-conversation
// sub-task. The history is passed to the model as a JSON array.
func TaskExtractionMessages(history []llm.Message, userContextJSON, projectsJSON string) []llm.Message {
	system := fill(taskPrompt,
		"{{USER_CONTEXT}}", orEmptyObject(userContextJSON),
		"{{PROJECTS}}", orEmptyObject(projectsJSON),
	)

	transcript, err := json.Marshal(history)
	if err != nil {
		transcript = []byte("[]")
	}
	user := "Conversation:\n```json\n" + string(transcript) + "\n```\nProduce the task JSON as instructed."

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}

func orNotProvided(s string) string {
	if strings.TrimSpace(s) == "" {
		return notProvided
	}
	return s
}

// TrimHistory drops the oldest conversation messages until the estimated
// token count fits budget. Leading system messages and the final message are
// always kept. A budget of zero or less disables trimming.
func TrimHistory(messages []llm.Message, budget int) []llm.Message {
	if budget <= 0 || llm.EstimateRequestTokens(messages) <= budget {
		return messages
	}

	head := 0
	for head < len(messages) && messages[head].Role == llm.RoleSystem {
		head++
	}
	system := messages[:head]
	rest := messages[head:]

	total := llm.EstimateRequestTokens(messages)
	for len(rest) > 1 && total > budget {
		total -= llm.EstimateMessageTokens(rest[0])
		rest = rest[1:]
	}

	out := make([]llm.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}
