// Package agents defines the analysis agents that prompt a secondary model
// for structured JSON about story state, plus the coordinator that fans
// them out and the on-disk cache their results flow through.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storykeep/continuity/entity"
	"github.com/storykeep/continuity/fileio"
	"github.com/storykeep/continuity/provider"
)

// Class says when an agent runs relative to the user-visible turn.
type Class string

const (
	// ClassImmediate agents run before the next reply is generated; the
	// user perceives their latency.
	ClassImmediate Class = "immediate"
	// ClassBackground agents run after a reply, overlapped with the
	// human's next typing time.
	ClassBackground Class = "background"
)

// Agent is the four-step analysis lifecycle. The sub-model call between
// BuildPrompt and FormatOutput is owned by the runner, not the agent.
type Agent interface {
	ID() string
	Description() string
	Class() Class

	// GatherData collects the state the prompt needs. Values are short
	// strings (already truncated to the configured budget).
	GatherData(ctx context.Context) (map[string]string, error)

	// BuildPrompt embeds the text to analyze, gathered state, the exact
	// JSON output schema, and a worked empty-case literal.
	BuildPrompt(data map[string]string) string

	// Schema returns the strict response schema attached to the call, or
	// nil for free-form output.
	Schema() (map[string]any, string)

	// FormatOutput parses the sub-model's raw output. It never
	// fails: malformed output yields a structured error envelope instead.
	FormatOutput(raw string, data map[string]string) string
}

// Env is the shared per-run input threaded into every agent.
type Env struct {
	RPDir string
	Index *entity.Index

	// Text is the message (immediate agents) or assistant reply
	// (background agents) being analyzed.
	Text string

	ResponseNumber    int
	CharactersInScene []string

	// StateCharBudget caps how much of each state file is embedded into a
	// sub-model prompt.
	StateCharBudget int
}

func (e Env) budget() int {
	if e.StateCharBudget <= 0 {
		return 4000
	}
	return e.StateCharBudget
}

// stateExcerpt reads a state file relative to the project directory,
// truncated to the budget. Missing files read as empty.
func (e Env) stateExcerpt(rel string) string {
	s, err := fileio.ReadFileTruncated(filepath.Join(e.RPDir, rel), e.budget())
	if err != nil {
		return ""
	}
	return s
}

// errorEnvelope is the graceful-degradation shape FormatOutput falls back
// to when the sub-model's output is not valid JSON.
func errorEnvelope(raw string, err error) string {
	env := map[string]string{
		"error":      "sub-model output was not valid JSON",
		"raw_output": fileio.Truncate(raw, 500),
	}
	if err != nil {
		env["exception"] = err.Error()
	}
	b, merr := json.Marshal(env)
	if merr != nil {
		return `{"error":"sub-model output was not valid JSON"}`
	}
	return string(b)
}

// formatJSONOutput is the shared FormatOutput implementation: validate the
// raw output as JSON (tolerating wrapper text) and re-emit it compacted.
func formatJSONOutput(raw string) string {
	var v any
	if err := fileio.DecodeModelJSON(raw, &v); err != nil {
		return errorEnvelope(raw, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errorEnvelope(raw, err)
	}
	return string(b)
}

// Run executes one agent's full lifecycle against the caller, timing each
// of the four steps and logging a summary line. Errors are returned to the
// coordinator unswallowed.
func Run(ctx context.Context, a Agent, caller provider.Caller, temperature float64, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	gatherStart := time.Now()
	data, err := a.GatherData(ctx)
	gatherDur := time.Since(gatherStart)
	if err != nil {
		return "", fmt.Errorf("agent %s: gather: %w", a.ID(), err)
	}

	buildStart := time.Now()
	prompt := a.BuildPrompt(data)
	buildDur := time.Since(buildStart)
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("agent %s: empty prompt", a.ID())
	}

	schema, schemaName := a.Schema()
	callStart := time.Now()
	raw, err := caller.Call(ctx, provider.Request{
		Prompt:      prompt,
		Temperature: temperature,
		Schema:      schema,
		SchemaName:  schemaName,
	})
	callDur := time.Since(callStart)
	if err != nil {
		return "", fmt.Errorf("agent %s: call: %w", a.ID(), err)
	}

	formatStart := time.Now()
	out := a.FormatOutput(raw, data)
	formatDur := time.Since(formatStart)

	logger.Debug("agent finished",
		zap.String("agent", a.ID()),
		zap.Duration("gather", gatherDur),
		zap.Duration("build", buildDur),
		zap.Duration("call", callDur),
		zap.Duration("format", formatDur),
		zap.Duration("total", time.Since(start)))
	return out, nil
}
