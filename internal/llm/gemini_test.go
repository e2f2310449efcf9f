package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"shellmind/internal/agent"
	"shellmind/internal/tools"
)

// fakeGenerator returns canned model turns in order and records the history
// length it saw on each call.
type fakeGenerator struct {
	turns   []*genai.Content
	err     error
	seen    []int
	configs []*genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.seen = append(f.seen, len(contents))
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.turns) == 0 {
		return &genai.GenerateContentResponse{}, nil
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: turn}}}, nil
}

func modelText(text string) *genai.Content {
	return &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}}
}

func modelCall(text, name string, args map[string]any) *genai.Content {
	parts := []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: "call-1", Name: name, Args: args}}}
	if text != "" {
		parts = append([]*genai.Part{{Text: text}}, parts...)
	}
	return &genai.Content{Role: genai.RoleModel, Parts: parts}
}

// fakeTools answers every call with out/err.
type fakeTools struct {
	out   string
	err   error
	calls []string
	args  []string
}

func (f *fakeTools) Specs() []tools.Spec {
	return []tools.Spec{{
		Name:        "execute_command",
		Description: "run",
		Schema: tools.ToolSchema{
			Required:   []string{"command"},
			Properties: map[string]tools.Property{"command": {Type: "string"}},
		},
	}}
}

func (f *fakeTools) Call(_ context.Context, name string, raw json.RawMessage) (string, error) {
	f.calls = append(f.calls, name)
	f.args = append(f.args, string(raw))
	return f.out, f.err
}

func collect(t *testing.T, p *GeminiProducer, input string) ([]agent.Step, error) {
	t.Helper()
	var out []agent.Step
	for step, err := range p.Run(context.Background(), input) {
		if err != nil {
			return out, err
		}
		out = append(out, step)
	}
	return out, nil
}

func TestRunSingleTurn(t *testing.T) {
	gen := &fakeGenerator{turns: []*genai.Content{modelText("<final_result>hi</final_result>")}}
	p := NewGeminiProducer(gen, &fakeTools{}, GeminiConfig{})

	got, err := collect(t, p, "say hi")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "<final_result>hi</final_result>", got[0].Content)
	assert.Empty(t, got[0].ToolCalls)

	require.Len(t, gen.configs, 1)
	require.Len(t, gen.configs[0].Tools, 1)
	assert.Equal(t, "execute_command", gen.configs[0].Tools[0].FunctionDeclarations[0].Name)
}

func TestRunExecutesFunctionCalls(t *testing.T) {
	gen := &fakeGenerator{turns: []*genai.Content{
		modelCall("listing", "execute_command", map[string]any{"command": "ls"}),
		modelText("<final_result>a.txt</final_result>"),
	}}
	ft := &fakeTools{out: "a.txt\n"}
	p := NewGeminiProducer(gen, ft, GeminiConfig{})

	got, err := collect(t, p, "list files")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Len(t, got[0].ToolCalls, 1)
	inv := got[0].ToolCalls[0]
	assert.Equal(t, "execute_command", inv.Name)
	assert.JSONEq(t, `{"command":"ls"}`, inv.Input)
	assert.Equal(t, "a.txt\n", inv.Output)
	assert.False(t, inv.StartedAt.IsZero())
	assert.Equal(t, "listing", got[0].Content)

	// user, model(call), user(response), model(final)
	assert.Equal(t, []int{1, 3}, gen.seen)
	hist := p.History()
	require.Len(t, hist, 4)
	resp := hist[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "call-1", resp.ID)
	assert.Equal(t, "a.txt\n", resp.Response["output"])
}

func TestRunReportsToolErrorsToModel(t *testing.T) {
	gen := &fakeGenerator{turns: []*genai.Content{
		modelCall("", "execute_command", nil),
		modelText("giving up"),
	}}
	ft := &fakeTools{err: tools.ErrMissingRequiredArg}
	p := NewGeminiProducer(gen, ft, GeminiConfig{})

	got, err := collect(t, p, "x")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "{}", ft.args[0])
	assert.Contains(t, got[0].ToolCalls[0].Output, "error:")

	resp := p.History()[2].Parts[0].FunctionResponse
	assert.Contains(t, resp.Response, "error")
}

func TestRunInterruptBecomesUserAbort(t *testing.T) {
	gen := &fakeGenerator{turns: []*genai.Content{
		modelCall("", "execute_command", map[string]any{"command": "rm -rf build"}),
	}}
	p := NewGeminiProducer(gen, &fakeTools{err: tools.ErrInterrupted}, GeminiConfig{})

	got, err := collect(t, p, "clean")
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrUserAbort)
	require.Len(t, got, 1, "the interrupted step is still yielded")
	assert.Len(t, got[0].ToolCalls, 1)
}

func TestRunGenerateError(t *testing.T) {
	boom := errors.New("quota exceeded")
	p := NewGeminiProducer(&fakeGenerator{err: boom}, nil, GeminiConfig{})

	_, err := collect(t, p, "x")
	assert.ErrorIs(t, err, boom)
}

func TestRunEmptyResponse(t *testing.T) {
	p := NewGeminiProducer(&fakeGenerator{}, nil, GeminiConfig{})
	_, err := collect(t, p, "x")
	assert.Error(t, err)
}

func TestRunStopsAtToolRoundLimit(t *testing.T) {
	call := func() *genai.Content { return modelCall("", "execute_command", map[string]any{"command": "true"}) }
	gen := &fakeGenerator{turns: []*genai.Content{call(), call(), call()}}
	p := NewGeminiProducer(gen, &fakeTools{}, GeminiConfig{MaxToolRounds: 2})

	got, err := collect(t, p, "loop")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// The next attempt's input joins the trailing function-response turn.
	gen.turns = []*genai.Content{modelText("<final_result>ok</final_result>")}
	_, err = collect(t, p, "corrective")
	require.NoError(t, err)
	hist := p.History()
	last := hist[len(hist)-2]
	assert.Equal(t, genai.RoleUser, last.Role)
	assert.Equal(t, "corrective", last.Parts[len(last.Parts)-1].Text)
}

func TestRunContinuesDialogue(t *testing.T) {
	gen := &fakeGenerator{turns: []*genai.Content{modelText("thinking"), modelText("<final_result>done</final_result>")}}
	p := NewGeminiProducer(gen, nil, GeminiConfig{})

	_, err := collect(t, p, "task")
	require.NoError(t, err)
	_, err = collect(t, p, agent.CorrectiveInstruction)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, gen.seen)
	assert.Nil(t, gen.configs[0].Tools, "no tool caller, no declarations")
}

func TestFunctionDeclarations(t *testing.T) {
	decls := FunctionDeclarations([]tools.Spec{{
		Name:        "wait",
		Description: "pause",
		Schema: tools.ToolSchema{
			Required: []string{"seconds"},
			Properties: map[string]tools.Property{
				"seconds":     {Type: "number", Description: "how long"},
				"reason":      {Type: "string"},
				"interruptOn": {Type: "array", Items: &tools.PropertyItems{Type: "string"}},
				"mode":        {Type: "string", Enum: []any{"soft", "hard"}},
			},
		},
	}})
	require.Len(t, decls, 1)
	d := decls[0]
	assert.Equal(t, "wait", d.Name)
	assert.Equal(t, "pause", d.Description)

	params := d.Parameters
	assert.Equal(t, genai.TypeObject, params.Type)
	assert.Equal(t, []string{"seconds"}, params.Required)
	assert.Equal(t, []string{"interruptOn", "mode", "reason", "seconds"}, params.PropertyOrdering)
	assert.Equal(t, genai.TypeNumber, params.Properties["seconds"].Type)
	assert.Equal(t, "how long", params.Properties["seconds"].Description)
	assert.Equal(t, genai.TypeArray, params.Properties["interruptOn"].Type)
	assert.Equal(t, genai.TypeString, params.Properties["interruptOn"].Items.Type)
	assert.Equal(t, []string{"soft", "hard"}, params.Properties["mode"].Enum)
}

func TestSchemaTypeFallsBackToString(t *testing.T) {
	assert.Equal(t, genai.TypeString, schemaType("mystery"))
	assert.Equal(t, genai.TypeInteger, schemaType("INTEGER"))
}
