package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/storykeep/continuity/provider"
)

type stubAgent struct {
	id    string
	class Class
}

func (a *stubAgent) ID() string          { return a.id }
func (a *stubAgent) Description() string { return "Stub " + a.id }
func (a *stubAgent) Class() Class        { return a.class }
func (a *stubAgent) GatherData(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (a *stubAgent) BuildPrompt(map[string]string) string    { return "agent:" + a.id }
func (a *stubAgent) Schema() (map[string]any, string)        { return nil, "" }
func (a *stubAgent) FormatOutput(raw string, _ map[string]string) string { return raw }

// scriptedCaller routes each call by the agent id embedded in the prompt.
type scriptedCaller struct {
	outputs map[string]string
	errs    map[string]error
}

func (c *scriptedCaller) Call(_ context.Context, req provider.Request) (string, error) {
	id := strings.TrimPrefix(req.Prompt, "agent:")
	if err, ok := c.errs[id]; ok {
		return "", err
	}
	return c.outputs[id], nil
}

func TestRunAll_PartialFailureAggregation(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{
		outputs: map[string]string{
			"a": `{"ok":"a"}`,
			"d": `{"ok":"d"}`,
		},
		errs: map[string]error{
			"b": errors.New("boom"),
			"c": fmt.Errorf("call: %w", provider.ErrQuotaExhausted),
			"e": errors.New("boom again"),
		},
	}

	coord := NewCoordinator(caller, 4, 0.3, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		coord.Add(&stubAgent{id: id, class: ClassImmediate})
	}

	out, err := coord.RunAll(context.Background(), 5*time.Second, true)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if !strings.Contains(out, "## Agent Analysis") {
		t.Fatalf("missing context header:\n%s", out)
	}
	if !strings.Contains(out, "### Stub a") || !strings.Contains(out, "### Stub d") {
		t.Fatalf("successful agents missing:\n%s", out)
	}
	for _, failed := range []string{"Stub b", "Stub c", "Stub e"} {
		if strings.Contains(out, failed) {
			t.Fatalf("failed agent %s leaked into context:\n%s", failed, out)
		}
	}
	// Registration order preserved.
	if strings.Index(out, "### Stub a") > strings.Index(out, "### Stub d") {
		t.Fatalf("results out of registration order:\n%s", out)
	}

	stats := coord.Stats()
	if stats.Total != 5 || stats.Succeeded != 2 || stats.Failed != 3 {
		t.Fatalf("stats=%+v, want total 5 / ok 2 / fail 3", stats)
	}
	if stats.QuotaErrors != 1 {
		t.Fatalf("quota errors=%d, want 1", stats.QuotaErrors)
	}
}

func TestRunAll_AllFailed(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{errs: map[string]error{
		"a": errors.New("boom"),
		"b": errors.New("boom"),
	}}

	coord := NewCoordinator(caller, 2, 0.3, nil)
	coord.Add(&stubAgent{id: "a", class: ClassImmediate})
	coord.Add(&stubAgent{id: "b", class: ClassImmediate})

	out, err := coord.RunAll(context.Background(), 5*time.Second, true)
	if err != nil || out != "" {
		t.Fatalf("allowPartial should yield empty context, got %q / %v", out, err)
	}

	coord2 := NewCoordinator(caller, 2, 0.3, nil)
	coord2.Add(&stubAgent{id: "a", class: ClassImmediate})
	if _, err := coord2.RunAll(context.Background(), 5*time.Second, false); !errors.Is(err, ErrAllAgentsFailed) {
		t.Fatalf("err=%v, want ErrAllAgentsFailed", err)
	}
}

func TestRunAll_NoAgentsIsNoOp(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(&scriptedCaller{}, 2, 0.3, nil)
	out, err := coord.RunAll(context.Background(), time.Second, false)
	if err != nil || out != "" {
		t.Fatalf("got %q / %v, want empty no-op", out, err)
	}
}

func TestAdd_DuplicateKeepsPositionLastWins(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{outputs: map[string]string{
		"a": `{"ok":"a"}`,
		"b": `{"ok":"b"}`,
	}}
	coord := NewCoordinator(caller, 2, 0.3, nil)
	coord.Add(&stubAgent{id: "a", class: ClassImmediate})
	coord.Add(&stubAgent{id: "b", class: ClassImmediate})
	coord.Add(&stubAgent{id: "a", class: ClassBackground})

	if _, err := coord.RunAll(context.Background(), 5*time.Second, true); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	results := coord.Results()
	if len(results) != 2 {
		t.Fatalf("results=%d, want 2", len(results))
	}
	if results[0].ID != "a" || results[0].Class != ClassBackground {
		t.Fatalf("duplicate registration did not keep position with last value: %+v", results[0])
	}
}
