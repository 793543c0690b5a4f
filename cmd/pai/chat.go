package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/youruser/productivai/internal/assistant"
	"github.com/youruser/productivai/internal/profile"
	"github.com/youruser/productivai/internal/prompt"
	"github.com/youruser/productivai/internal/suggest"
)

var (
	reasoningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	suggestionStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("69")).Padding(0, 1)
	labelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	replyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	hintStyle       = lipgloss.NewStyle().Faint(true)
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		model       string
		showThought bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			uc, err := profile.Load(a.cfg.ProfilePath)
			if err != nil {
				return err
			}
			if model == "" {
				model = a.cfg.DefaultModel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			history := []assistant.ConversationMessage{
				{Role: assistant.RoleSystem, Content: prompt.BuildSystemPrompt(uc.JSON(), "", "", time.Now())},
				{Role: assistant.RoleUser, Content: strings.Join(args, " ")},
			}
			return runChat(ctx, cmd.OutOrStdout(), a.assistant, history, model, showThought)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default from config)")
	cmd.Flags().BoolVar(&showThought, "reasoning", false, "print reasoning tokens when the model sends them")
	return cmd
}

// runChat streams one turn to w, then prints the suggestions, quick replies
// and signals the reply carried.
func runChat(ctx context.Context, w io.Writer, a *assistant.Assistant, history []assistant.ConversationMessage, model string, showReasoning bool) error {
	var (
		summary     *assistant.Summary
		suggestions []suggest.Suggestion
	)
	for inc, err := range a.StreamCompletion(ctx, history, model) {
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		switch inc.Kind {
		case assistant.IncrementText:
			fmt.Fprint(w, inc.Text)
		case assistant.IncrementReasoning:
			if showReasoning {
				fmt.Fprint(w, reasoningStyle.Render(inc.Text))
			}
		case assistant.IncrementSuggestion:
			suggestions = append(suggestions, *inc.Suggestion)
		case assistant.IncrementDone:
			summary = inc.Summary
		}
	}
	fmt.Fprintln(w)

	if summary == nil {
		if err := ctx.Err(); err != nil {
			return errors.New("interrupted")
		}
		return nil
	}

	for _, s := range suggestions {
		fmt.Fprintln(w, suggestionStyle.Render(describeSuggestion(s)))
	}
	if len(summary.QuickReplies) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Quick replies:"))
		for _, r := range summary.QuickReplies {
			fmt.Fprintln(w, "  "+replyStyle.Render(r))
		}
	}
	if summary.Signals.RequestDueDate {
		fmt.Fprintln(w, hintStyle.Render("The assistant is asking for a due date."))
	}
	if summary.Signals.CanSuggestTask {
		fmt.Fprintln(w, hintStyle.Render("A task can be drafted from this conversation."))
	}
	return nil
}

func describeSuggestion(s suggest.Suggestion) string {
	var b strings.Builder
	switch s.Kind {
	case suggest.KindTask:
		b.WriteString(labelStyle.Render("Task: ") + s.Task.Title)
		writeTaskDetails(&b, s.Task)
	case suggest.KindTaskEdit:
		b.WriteString(labelStyle.Render("Edit task "+s.TaskEdit.OriginalID+": ") + s.TaskEdit.Edited.Title)
		writeTaskDetails(&b, &s.TaskEdit.Edited)
	case suggest.KindProject:
		b.WriteString(labelStyle.Render("Project: ") + s.Project.Name)
		if s.Project.Description != "" {
			b.WriteString("\n" + s.Project.Description)
		}
	case suggest.KindTaskIdeas:
		b.WriteString(labelStyle.Render("Task ideas:"))
		for _, idea := range s.TaskIdeas.Ideas {
			b.WriteString("\n- " + idea)
		}
	}
	return b.String()
}

func writeTaskDetails(b *strings.Builder, t *suggest.Task) {
	fmt.Fprintf(b, " (priority %d", t.Priority)
	if t.DueDate != nil {
		fmt.Fprintf(b, ", due %s", *t.DueDate)
	}
	b.WriteString(")")
	if t.Description != "" {
		b.WriteString("\n" + t.Description)
	}
	for _, st := range t.Subtasks {
		b.WriteString("\n- " + st)
	}
}
