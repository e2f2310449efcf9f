package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"shellmind/internal/agent"
	"shellmind/internal/logging"
	"shellmind/internal/steps"
	"shellmind/internal/tools"
)

// unattendedAnswer is returned for questions asked when nobody can answer.
const unattendedAnswer = "No answer is available because the session is not interactive. Continue with your best judgement and avoid destructive commands."

const otherOption = "Something else (type an answer)"

// console is the terminal side of a run: it approves commands, answers
// questions and prints progress notes.
type console struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	autoApprove bool

	info   *color.Color
	dim    *color.Color
	reject *color.Color
}

func newConsole(out io.Writer, interactive, autoApprove bool) *console {
	return &console{
		out:         out,
		interactive: interactive,
		autoApprove: autoApprove,
		info:        color.New(color.FgCyan, color.Bold),
		dim:         color.New(color.Faint),
		reject:      color.New(color.FgYellow),
	}
}

// stdinIsTerminal reports whether prompts can be shown.
func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Confirm implements tools.Confirmer. Without a terminal every command is
// rejected unless --yes was given.
func (c *console) Confirm(_ context.Context, command string) (bool, error) {
	if c.autoApprove {
		c.printf(c.dim, "$ %s\n", command)
		return true, nil
	}
	if !c.interactive {
		logging.Tools("Rejected %q: no terminal to confirm on", command)
		c.printf(c.reject, "rejected (not interactive): %s\n", command)
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Run `%s`", command),
		IsConfirm: true,
	}
	_, err := prompt.Run()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort), errors.Is(err, promptui.ErrEOF):
		return false, nil
	case errors.Is(err, promptui.ErrInterrupt):
		return false, tools.ErrInterrupted
	default:
		return false, err
	}
}

// Ask implements agent.Asker.
func (c *console) Ask(_ context.Context, q steps.Question) (string, error) {
	if !c.interactive {
		logging.Agent("Question left unanswered (not interactive): %s", q.Text)
		return unattendedAnswer, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	label := strings.TrimSpace(q.Text)
	if len(q.Options) > 0 {
		items := append(append([]string(nil), q.Options...), otherOption)
		sel := promptui.Select{Label: label, Items: items, Size: len(items)}
		_, choice, err := sel.Run()
		if err != nil {
			return "", askError(err)
		}
		if choice != otherOption {
			return choice, nil
		}
	}

	prompt := promptui.Prompt{Label: label}
	answer, err := prompt.Run()
	if err != nil {
		return "", askError(err)
	}
	return answer, nil
}

func askError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return agent.ErrUserAbort
	}
	return err
}

// Inform implements agent.Notifier.
func (c *console) Inform(text string) {
	c.printf(c.info, "› %s\n", strings.TrimSpace(text))
}

func (c *console) printf(col *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col.Fprintf(c.out, format, args...)
}
