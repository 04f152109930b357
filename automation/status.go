package automation

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/storykeep/continuity/agents"
	"github.com/storykeep/continuity/fileio"
)

// StatusWriter renders CURRENT_STATUS.md, the human-readable snapshot of
// what the pipeline did last turn. Writes flow through a debounced writer
// so rapid consecutive turns coalesce into one disk write.
type StatusWriter struct {
	path   string
	writer *fileio.DebouncedWriter
}

func NewStatusWriter(rpDir string, writer *fileio.DebouncedWriter) *StatusWriter {
	return &StatusWriter{
		path:   filepath.Join(rpDir, "CURRENT_STATUS.md"),
		writer: writer,
	}
}

// TurnStatus is what one turn reports.
type TurnStatus struct {
	ResponseNumber int
	LoadedEntities []string
	Escalated      []string
	UpdatedFiles   []string
	AgentStats     agents.Stats
	Profiling      *Profiling
}

func (s *StatusWriter) Record(st TurnStatus) {
	var b strings.Builder
	b.WriteString("# Current Status\n\n")
	fmt.Fprintf(&b, "Updated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Response: %d\n\n", st.ResponseNumber)

	if len(st.LoadedEntities) > 0 {
		names := append([]string(nil), st.LoadedEntities...)
		sort.Strings(names)
		b.WriteString("## Entities In Context\n")
		for _, n := range names {
			fmt.Fprintf(&b, "- %s\n", n)
		}
		b.WriteString("\n")
	}

	if len(st.Escalated) > 0 {
		b.WriteString("## Escalated Files\n")
		for _, p := range st.Escalated {
			fmt.Fprintf(&b, "- %s\n", filepath.Base(p))
		}
		b.WriteString("\n")
	}

	if len(st.UpdatedFiles) > 0 {
		b.WriteString("## Files Changed Since Last Turn\n")
		for _, p := range st.UpdatedFiles {
			fmt.Fprintf(&b, "- %s\n", filepath.Base(p))
		}
		b.WriteString("\n")
	}

	if st.AgentStats.Total > 0 {
		b.WriteString("## Agents\n")
		fmt.Fprintf(&b, "- Ran %d, succeeded %d, failed %d", st.AgentStats.Total, st.AgentStats.Succeeded, st.AgentStats.Failed)
		if st.AgentStats.QuotaErrors > 0 {
			fmt.Fprintf(&b, " (%d quota)", st.AgentStats.QuotaErrors)
		}
		fmt.Fprintf(&b, " in %s\n\n", st.AgentStats.Elapsed.Round(time.Millisecond))
	}

	if st.Profiling != nil {
		b.WriteString("## Timing\n")
		fmt.Fprintf(&b, "- Tier loading: %s\n", st.Profiling.TierLoad.Round(time.Millisecond))
		fmt.Fprintf(&b, "- Immediate agents: %s\n", st.Profiling.ImmediateAgents.Round(time.Millisecond))
		fmt.Fprintf(&b, "- Prompt build: %s\n", st.Profiling.PromptBuild.Round(time.Millisecond))
		fmt.Fprintf(&b, "- Total: %s\n", st.Profiling.Total.Round(time.Millisecond))
	}

	s.writer.Write(s.path, []byte(b.String()))
}
