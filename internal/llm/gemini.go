// Package llm adapts the Gemini API to the agent's step producer contract.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"google.golang.org/genai"

	"shellmind/internal/agent"
	"shellmind/internal/logging"
	"shellmind/internal/tools"
)

// Generator is the slice of genai.Models the producer uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ToolCaller executes model function calls.
type ToolCaller interface {
	Specs() []tools.Spec
	Call(ctx context.Context, name string, rawArgs json.RawMessage) (string, error)
}

// GeminiConfig holds configuration for the producer.
type GeminiConfig struct {
	Model string

	// Timeout bounds a single GenerateContent call. Zero means none.
	Timeout time.Duration

	// MaxToolRounds bounds model turns within one attempt.
	MaxToolRounds int

	// SystemPrompt defaults to SystemPrompt.
	SystemPrompt string
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Model:         "gemini-2.5-flash",
		Timeout:       2 * time.Minute,
		MaxToolRounds: 25,
		SystemPrompt:  SystemPrompt,
	}
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or llm.api_key)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// GeminiProducer implements agent.Producer. It keeps the whole dialogue, so
// each Run continues where the previous one stopped. Not safe for concurrent
// use.
type GeminiProducer struct {
	gen    Generator
	tools  ToolCaller
	config GeminiConfig

	genConfig *genai.GenerateContentConfig
	history   []*genai.Content
	now       func() time.Time
}

// NewGeminiProducer creates a producer. Pass client.Models as gen.
func NewGeminiProducer(gen Generator, caller ToolCaller, config GeminiConfig) *GeminiProducer {
	defaults := DefaultGeminiConfig()
	if strings.TrimSpace(config.Model) == "" {
		config.Model = defaults.Model
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = defaults.MaxToolRounds
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}

	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(config.SystemPrompt, genai.RoleUser),
	}
	if caller != nil {
		if decls := FunctionDeclarations(caller.Specs()); len(decls) > 0 {
			genConfig.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}

	return &GeminiProducer{
		gen:       gen,
		tools:     caller,
		config:    config,
		genConfig: genConfig,
		now:       time.Now,
	}
}

// History returns the dialogue so far.
func (p *GeminiProducer) History() []*genai.Content {
	return append([]*genai.Content(nil), p.history...)
}

// Run implements agent.Producer. Each model turn becomes one Step carrying
// the turn's text and the tool calls it made. The attempt ends on a turn
// without function calls or after MaxToolRounds turns.
func (p *GeminiProducer) Run(ctx context.Context, input string) iter.Seq2[agent.Step, error] {
	return func(yield func(agent.Step, error) bool) {
		p.appendUser(genai.NewPartFromText(input))

		for round := 0; round < p.config.MaxToolRounds; round++ {
			content, err := p.generate(ctx)
			if err != nil {
				yield(agent.Step{}, err)
				return
			}
			p.history = append(p.history, content)

			step := agent.Step{Content: textOf(content)}
			calls := callsOf(content)
			if len(calls) == 0 {
				yield(step, nil)
				return
			}

			parts := make([]*genai.Part, 0, len(calls))
			for _, call := range calls {
				inv, part, err := p.invoke(ctx, call)
				step.ToolCalls = append(step.ToolCalls, inv)
				if errors.Is(err, tools.ErrInterrupted) {
					if yield(step, nil) {
						yield(agent.Step{}, fmt.Errorf("%w: %w", agent.ErrUserAbort, err))
					}
					return
				}
				parts = append(parts, part)
			}
			p.history = append(p.history, genai.NewContentFromParts(parts, genai.RoleUser))

			if !yield(step, nil) {
				return
			}
		}
		logging.Get(logging.CategoryLLM).Warn("Tool round limit (%d) reached, ending attempt", p.config.MaxToolRounds)
	}
}

// appendUser adds part to the trailing user turn, or starts a new one, so the
// dialogue alternates roles.
func (p *GeminiProducer) appendUser(part *genai.Part) {
	if n := len(p.history); n > 0 && p.history[n-1].Role == genai.RoleUser {
		p.history[n-1].Parts = append(p.history[n-1].Parts, part)
		return
	}
	p.history = append(p.history, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
}

func (p *GeminiProducer) generate(ctx context.Context) (*genai.Content, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryLLM, "llm.GenerateContent")
	resp, err := p.gen.GenerateContent(ctx, p.config.Model, p.history, p.genConfig)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("gemini returned no content (%s)", reason)
	}

	content := resp.Candidates[0].Content
	if content.Role == "" {
		content.Role = genai.RoleModel
	}
	logging.LLMDebug("Model turn: %d parts, finish=%s", len(content.Parts), resp.Candidates[0].FinishReason)
	return content, nil
}

// invoke runs one function call and builds the response part for the model.
// Tool failures other than an interrupt are reported to the model.
func (p *GeminiProducer) invoke(ctx context.Context, call *genai.FunctionCall) (agent.ToolInvocation, *genai.Part, error) {
	raw := json.RawMessage("{}")
	if call.Args != nil {
		if b, err := json.Marshal(call.Args); err == nil {
			raw = b
		}
	}

	start := p.now()
	var (
		out string
		err error
	)
	if p.tools == nil {
		err = fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	} else {
		out, err = p.tools.Call(ctx, call.Name, raw)
	}
	inv := agent.ToolInvocation{
		Name:      call.Name,
		Input:     string(raw),
		Output:    out,
		StartedAt: start,
		Duration:  p.now().Sub(start),
	}
	if errors.Is(err, tools.ErrInterrupted) {
		inv.Output = err.Error()
		return inv, nil, err
	}

	response := map[string]any{"output": out}
	if err != nil {
		logging.Get(logging.CategoryLLM).Warn("Tool %s failed: %v", call.Name, err)
		inv.Output = "error: " + err.Error()
		response = map[string]any{"error": err.Error()}
	}
	part := genai.NewPartFromFunctionResponse(call.Name, response)
	part.FunctionResponse.ID = call.ID
	return inv, part, nil
}

func textOf(c *genai.Content) string {
	var b strings.Builder
	for _, part := range c.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func callsOf(c *genai.Content) []*genai.FunctionCall {
	var calls []*genai.FunctionCall
	for _, part := range c.Parts {
		if part != nil && part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}
