package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"shellmind/internal/agent"
	"shellmind/internal/logging"
	"shellmind/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	roleStyles = map[store.Role]lipgloss.Style{
		store.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		store.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		store.RoleSystem:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
	}

	toolBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// renderMarkdown renders s for the terminal, falling back to the raw text.
func renderMarkdown(s string, plain bool) string {
	if plain {
		return s
	}
	out, err := glamour.Render(s, "dark")
	if err != nil {
		logging.BootWarn("Markdown rendering failed: %v", err)
		return s
	}
	return out
}

// printResult writes the outcome of a run.
func printResult(w io.Writer, res agent.RunResult, plain bool) error {
	switch res.Outcome() {
	case agent.OutcomeAborted:
		_, err := fmt.Fprintln(w, warnStyle.Render(res.FinalResponseText))
		return err
	case agent.OutcomeExhausted:
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("No final answer after %d attempts. Last output:", res.Attempts)))
	}

	body := res.FinalResponseText
	if res.FinalResponseDetails != "" {
		body += "\n\n" + res.FinalResponseDetails
	}
	if _, err := fmt.Fprintln(w, strings.TrimRight(renderMarkdown(body, plain), "\n")); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("conversation %d, %s", res.ConversationID, res.Duration.Round(time.Millisecond))))
	return err
}

// printConversations writes one line per conversation, newest first.
func printConversations(w io.Writer, convs []store.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No conversations yet."))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-6s %-19s %-9s %s", "ID", "CREATED", "TIME", "TITLE")))
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = agent.Title(c.Query)
		}
		elapsed := "-"
		if c.Finalized {
			elapsed = c.TotalTime.Round(100 * time.Millisecond).String()
		}
		line := fmt.Sprintf("%-6d %-19s %-9s %s", c.ID, c.CreatedAt.Local().Format("2006-01-02 15:04:05"), elapsed, title)
		if !c.Finalized {
			line = mutedStyle.Render(line + " (unfinished)")
		}
		fmt.Fprintln(w, line)
	}
}

// printTranscript writes a conversation in write order.
func printTranscript(w io.Writer, c store.Conversation, entries []store.Entry) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("#%d %s", c.ID, c.Query)))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("created %s, retrieved %d times", c.CreatedAt.Local().Format(time.RFC3339), c.RetrievalCount)))
	fmt.Fprintln(w)

	for _, e := range entries {
		switch {
		case e.Message != nil:
			m := e.Message
			style, ok := roleStyles[m.Role]
			if !ok {
				style = mutedStyle
			}
			fmt.Fprintf(w, "%s %s\n%s\n\n", style.Render(string(m.Role)), mutedStyle.Render(fmt.Sprintf("step %d", m.StepNumber)), m.Content)
		case e.ToolCall != nil:
			tc := e.ToolCall
			body := fmt.Sprintf("%s %s\n%s", okStyle.Render(tc.ToolName), tc.Input, strings.TrimRight(tc.Output, "\n"))
			fmt.Fprintln(w, toolBoxStyle.Render(body))
			fmt.Fprintln(w)
		}
	}

	if c.Finalized {
		fmt.Fprintln(w, headerStyle.Render("Response"))
		fmt.Fprintln(w, c.Response)
	}
}
