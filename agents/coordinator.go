package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/storykeep/continuity/provider"
)

// Result is the outcome of one agent task within a coordinator run.
type Result struct {
	ID          string
	Description string
	Class       Class
	Success     bool
	Content     string
	Err         error
	Duration    time.Duration

	// QuotaError distinguishes balance/quota exhaustion from transient
	// failures; there is no point retrying it immediately.
	QuotaError bool
}

// Stats aggregates a run.
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	QuotaErrors int
	Elapsed     time.Duration
}

// ErrAllAgentsFailed is returned by RunAll when nothing succeeded and the
// caller did not allow partial results.
var ErrAllAgentsFailed = errors.New("agents: all tasks failed")

// Coordinator fans a batch of agents out over a bounded worker pool,
// collects whatever finishes within a timeout, and aggregates results.
// Construct one per batch; it is not reusable across runs.
type Coordinator struct {
	caller      provider.Caller
	logger      *zap.Logger
	workers     int
	temperature float64

	mu      sync.Mutex
	order   []string
	agents  map[string]Agent
	results map[string]Result
	elapsed time.Duration
}

func NewCoordinator(caller provider.Caller, workers int, temperature float64, logger *zap.Logger) *Coordinator {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		caller:      caller,
		logger:      logger,
		workers:     workers,
		temperature: temperature,
		agents:      make(map[string]Agent),
		results:     make(map[string]Result),
	}
}

// Add registers an agent. A duplicate id overwrites the earlier
// registration (last wins), keeping its original position in run order.
func (c *Coordinator) Add(a Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[a.ID()]; !ok {
		c.order = append(c.order, a.ID())
	}
	c.agents[a.ID()] = a
}

// RunAll executes every registered agent and returns a markdown context
// block built from the successful results only.
//
// The timeout bounds how long RunAll waits, not how long tasks run: when it
// expires, unfinished tasks are abandoned (they keep running and record
// their results for anyone who reads them later) and only completed results
// are used. With zero successes, allowPartial selects between an empty
// string and ErrAllAgentsFailed.
func (c *Coordinator) RunAll(ctx context.Context, timeout time.Duration, allowPartial bool) (string, error) {
	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	agents := make([]Agent, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, c.agents[id])
	}
	c.mu.Unlock()

	if len(agents) == 0 {
		return "", nil
	}

	start := time.Now()
	sem := semaphore.NewWeighted(int64(c.workers))
	var wg sync.WaitGroup

	for _, a := range agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				c.record(a, "", err, 0)
				return
			}
			defer sem.Release(1)

			taskStart := time.Now()
			content, err := Run(ctx, a, c.caller, c.temperature, c.logger)
			c.record(a, content, err, time.Since(taskStart))
		}(a)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("agent batch timed out; using completed results only",
			zap.Duration("timeout", timeout))
	case <-ctx.Done():
		c.logger.Warn("agent batch cancelled; using completed results only")
	}

	c.mu.Lock()
	c.elapsed = time.Since(start)
	snapshot := make([]Result, 0, len(ids))
	for _, id := range ids {
		if r, ok := c.results[id]; ok {
			snapshot = append(snapshot, r)
		}
	}
	c.mu.Unlock()

	var succeeded int
	var b strings.Builder
	for _, r := range snapshot {
		if r.QuotaError {
			c.logger.Warn("agent failed on quota exhaustion; siblings unaffected",
				zap.String("agent", r.ID))
		}
		if !r.Success {
			continue
		}
		if succeeded == 0 {
			b.WriteString("## Agent Analysis\n\n")
		}
		succeeded++
		fmt.Fprintf(&b, "### %s\n%s\n\n", r.Description, r.Content)
	}

	if succeeded == 0 {
		if allowPartial {
			return "", nil
		}
		return "", ErrAllAgentsFailed
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func (c *Coordinator) record(a Agent, content string, err error, dur time.Duration) {
	r := Result{
		ID:          a.ID(),
		Description: a.Description(),
		Class:       a.Class(),
		Duration:    dur,
	}
	if err != nil {
		r.Err = err
		r.QuotaError = provider.IsQuotaError(err)
		c.logger.Warn("agent task failed",
			zap.String("agent", a.ID()),
			zap.Duration("duration", dur),
			zap.Bool("quota", r.QuotaError),
			zap.Bool("timeout", provider.IsTimeoutError(err)),
			zap.Error(err))
	} else {
		r.Success = true
		r.Content = content
	}

	c.mu.Lock()
	c.results[a.ID()] = r
	c.mu.Unlock()
}

// Results returns completed task results in registration order.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, 0, len(c.order))
	for _, id := range c.order {
		if r, ok := c.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Stats reports aggregate counts for the last run.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Total: len(c.order), Elapsed: c.elapsed}
	for _, r := range c.results {
		if r.Success {
			s.Succeeded++
			continue
		}
		s.Failed++
		if r.QuotaError {
			s.QuotaErrors++
		}
	}
	return s
}
