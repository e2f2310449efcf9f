// Package steps extracts structured signals from one model step.
//
// The grammar is four independent tag kinds over the same text:
//
//	<final_result>…</final_result> and <final_result_details>…</final_result_details>
//	<question>… <option>…</option> …</question>
//	<inform_user>…</inform_user>, any number of times
//	<exit/> (or <exit>) anywhere
//
// All matching is case-insensitive and non-greedy. Missing or malformed tags
// yield empty values; Parse never fails.
package steps

import (
	"regexp"
	"strings"
)

var (
	finalResultRe  = regexp.MustCompile(`(?is)<final_result>(.*?)</final_result>`)
	finalDetailsRe = regexp.MustCompile(`(?is)<final_result_details>(.*?)</final_result_details>`)
	questionRe     = regexp.MustCompile(`(?is)<question>(.*?)</question>`)
	optionRe       = regexp.MustCompile(`(?is)<option>(.*?)</option>`)
	informRe       = regexp.MustCompile(`(?is)<inform_user>(.*?)</inform_user>`)
	exitRe         = regexp.MustCompile(`(?i)<exit\s*/?>`)
)

// Question is a prompt for the user with optional fixed answers.
type Question struct {
	Text    string
	Options []string
}

// Result holds every signal found in one text.
type Result struct {
	ResponseText    string
	ResponseDetails string

	// IsFinalAnswer is true exactly when ResponseText is non-empty.
	IsFinalAnswer bool

	Question *Question
	Informs  []string
	Exit     bool
}

// Parse extracts all signals from text. It does not modify its input and is
// safe for concurrent use.
func Parse(text string) Result {
	var r Result

	if m := finalResultRe.FindStringSubmatch(text); m != nil {
		r.ResponseText = strings.TrimSpace(m[1])
	}
	if m := finalDetailsRe.FindStringSubmatch(text); m != nil {
		r.ResponseDetails = strings.TrimSpace(m[1])
	}
	r.IsFinalAnswer = r.ResponseText != ""

	if m := questionRe.FindStringSubmatch(text); m != nil {
		r.Question = parseQuestion(m[1])
	}

	for _, m := range informRe.FindAllStringSubmatch(text, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			r.Informs = append(r.Informs, body)
		}
	}

	r.Exit = exitRe.MatchString(text)
	return r
}

func parseQuestion(body string) *Question {
	q := &Question{}
	for _, m := range optionRe.FindAllStringSubmatch(body, -1) {
		if opt := strings.TrimSpace(m[1]); opt != "" {
			q.Options = append(q.Options, opt)
		}
	}
	q.Text = strings.TrimSpace(optionRe.ReplaceAllString(body, ""))
	if q.Text == "" && len(q.Options) == 0 {
		return nil
	}
	return q
}

// SignalKind tags one entry of Result.Signals.
type SignalKind int

const (
	SignalInform SignalKind = iota
	SignalQuestion
	SignalFinal
	SignalExit
)

func (k SignalKind) String() string {
	switch k {
	case SignalInform:
		return "inform"
	case SignalQuestion:
		return "question"
	case SignalFinal:
		return "final"
	case SignalExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Signal is one parsed tag as a tagged variant. Only the fields matching
// Kind are set.
type Signal struct {
	Kind     SignalKind
	Text     string
	Details  string
	Question *Question
}

// Signals returns the result as an ordered list: informs first (in text
// order), then the question, the final result and the exit marker.
func (r Result) Signals() []Signal {
	var out []Signal
	for _, msg := range r.Informs {
		out = append(out, Signal{Kind: SignalInform, Text: msg})
	}
	if r.Question != nil {
		out = append(out, Signal{Kind: SignalQuestion, Text: r.Question.Text, Question: r.Question})
	}
	if r.IsFinalAnswer {
		out = append(out, Signal{Kind: SignalFinal, Text: r.ResponseText, Details: r.ResponseDetails})
	}
	if r.Exit {
		out = append(out, Signal{Kind: SignalExit})
	}
	return out
}

// Empty reports whether no tag was found.
func (r Result) Empty() bool {
	return !r.IsFinalAnswer && r.ResponseDetails == "" && r.Question == nil && len(r.Informs) == 0 && !r.Exit
}
