// Package scheduler implements the Scheduler: cron-driven turns fired
// against an agent's session on a timer, grounded on the teacher's use of
// robfig/cron for its own background jobs and generalized to the
// preCheck/maxConcurrent/timeout semantics spec §4.9 requires.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/observability"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/pkg/model"
	"github.com/robfig/cron/v3"
)

const (
	defaultTimeout   = 5 * time.Minute
	preCheckTimeout  = 30 * time.Second
	maxDetailRunelen = 2000
)

// Config wires the Scheduler to the rest of the hub.
type Config struct {
	Registry *agentregistry.Registry
	Index    *sessionindex.Index
	Hub      *hub.Hub
	Store    ExecutionStore
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	// RunPreCheck overrides how a preCheck command string is executed;
	// exposed for tests. Defaults to running it through "sh -c" and
	// treating a zero exit code as pass.
	RunPreCheck func(ctx context.Context, command string) (bool, string)
}

// Runner owns a cron.Cron instance and the per-schedule concurrency
// bookkeeping layered on top of it.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running map[string]int
	entries map[string]cron.EntryID
}

// New builds a Runner without starting it; call Start to register every
// enabled schedule found in the registry and begin firing.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryExecutionStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RunPreCheck == nil {
		cfg.RunPreCheck = runShellPreCheck
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Runner{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "scheduler"),
		cron:    cron.New(cron.WithParser(parser)),
		running: make(map[string]int),
		entries: make(map[string]cron.EntryID),
	}
}

func (r *Runner) now() time.Time { return r.cfg.Now() }

// Start registers every enabled schedule across every agent in the registry
// and starts the cron scheduler's background goroutine. Each fire is its own
// call into fireInternal; robfig/cron computes the entry's next run before
// invoking the current one, so a schedule is always rearmed before it runs.
func (r *Runner) Start() error {
	for _, agent := range r.cfg.Registry.ListAgents() {
		for _, sched := range agent.Schedules {
			if !sched.Enabled {
				continue
			}
			agentID, sched := agent.AgentID, sched
			entryID, err := r.cron.AddFunc(sched.Cron, func() {
				r.fireInternal(agentID, sched, false)
			})
			if err != nil {
				return fmt.Errorf("scheduler: agent %q schedule %q: bad cron expression %q: %w", agentID, sched.ID, sched.Cron, err)
			}
			r.entries[key(agentID, sched.ID)] = entryID
		}
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler; in-flight fires are allowed to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// TriggerRun manually fires agentID's scheduleID outside its cron cadence.
// force bypasses both the preCheck and the maxConcurrent cap, matching the
// manual "run now" affordance spec §4.9 describes for operator use.
func (r *Runner) TriggerRun(agentID, scheduleID string, force bool) error {
	agent, err := r.cfg.Registry.GetAgent(agentID)
	if err != nil {
		return err
	}
	for _, sched := range agent.Schedules {
		if sched.ID == scheduleID {
			r.fireInternal(agentID, sched, force)
			return nil
		}
	}
	return model.NewError(model.ErrScheduleNotFound, "agent %q has no schedule %q", agentID, scheduleID)
}

func key(agentID, scheduleID string) string { return agentID + ":" + scheduleID }

func (r *Runner) fireInternal(agentID string, sched model.ScheduleConfig, force bool) {
	k := key(agentID, sched.ID)
	start := r.now()

	if !force && sched.MaxConcurrent > 0 {
		r.mu.Lock()
		if r.running[k] >= sched.MaxConcurrent {
			r.mu.Unlock()
			r.record(agentID, sched.ID, "skipped_max_concurrent", "", start, 0)
			return
		}
		r.running[k]++
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.running[k]--
			r.mu.Unlock()
		}()
	}

	var preCheckStdout string
	if !force && sched.PreCheck != "" {
		ctx, cancel := context.WithTimeout(context.Background(), preCheckTimeout)
		ok, detail := r.cfg.RunPreCheck(ctx, sched.PreCheck)
		cancel()
		if !ok {
			r.record(agentID, sched.ID, "skipped_precheck", detail, start, time.Since(start).Milliseconds())
			return
		}
		preCheckStdout = detail
	}

	prompt := strings.TrimSpace(sched.Prompt)
	preCheckStdout = strings.TrimSpace(preCheckStdout)
	switch {
	case prompt != "" && preCheckStdout != "":
		prompt = prompt + "\n\n" + preCheckStdout
	case preCheckStdout != "":
		prompt = preCheckStdout
	}
	if prompt == "" {
		r.record(agentID, sched.ID, "skipped_no_prompt", "", start, time.Since(start).Milliseconds())
		return
	}

	sessionID, err := r.resolveSession(agentID, sched)
	if err != nil {
		r.logger.Error("scheduler: resolving session failed", "agent_id", agentID, "schedule_id", sched.ID, "error", err)
		r.record(agentID, sched.ID, "error", err.Error(), start, time.Since(start).Milliseconds())
		return
	}

	outcome, err := r.cfg.Hub.Dispatch(hub.DispatchInput{
		SessionID: sessionID,
		Text:      prompt,
		Trigger:   model.TriggerSystem,
		Source:    "scheduler",
	})
	if err != nil {
		r.logger.Error("scheduler: dispatch failed", "agent_id", agentID, "schedule_id", sched.ID, "error", err)
		r.record(agentID, sched.ID, "error", err.Error(), start, time.Since(start).Milliseconds())
		return
	}

	timeout := time.Duration(sched.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	select {
	case <-outcome.Done():
		res := outcome.Wait()
		outcomeName := "ran"
		detail := res.ResponseText
		if res.Status == "error" {
			outcomeName = "error"
			if res.Err != nil {
				detail = res.Err.Error()
			}
		} else if res.Status == "cancelled" {
			outcomeName = "cancelled"
		}
		r.record(agentID, sched.ID, outcomeName, detail, start, time.Since(start).Milliseconds())
	case <-time.After(timeout):
		_ = r.cfg.Hub.CancelActiveRun(sessionID)
		r.record(agentID, sched.ID, "timeout", fmt.Sprintf("exceeded %s", timeout), start, time.Since(start).Milliseconds())
	}
}

// resolveSession reuses the most-recently-updated session tagged with this
// schedule's {agentId, scheduleId}, or creates one, per spec §4.9 step 6.
// sched.SessionTitle, when set, overrides the generated autoTitle but never
// the lookup/tagging mechanism itself.
func (r *Runner) resolveSession(agentID string, sched model.ScheduleConfig) (string, error) {
	if s, err := r.cfg.Index.FindScheduledSession(agentID, sched.ID); err == nil {
		return s.ID, nil
	}

	now := r.now()
	title := sched.SessionTitle
	if title == "" {
		title = fmt.Sprintf("scheduled: %s/%s @ %s", agentID, sched.ID, now.Format("2006-01-02 15:04"))
	}
	created, err := r.cfg.Index.CreateSession(uuid.NewString(), agentID, title, now)
	if err != nil {
		return "", err
	}
	if _, err := r.cfg.Index.UpdateSessionAttributes(created.ID, map[string]any{
		"scheduledSession": map[string]any{
			"agentId":    agentID,
			"scheduleId": sched.ID,
		},
	}, now); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (r *Runner) record(agentID, scheduleID, outcome, detail string, firedAt time.Time, durationMs int64) {
	if len(detail) > maxDetailRunelen {
		detail = detail[:maxDetailRunelen]
	}
	if err := r.cfg.Store.Record(ExecutionRecord{
		AgentID:    agentID,
		ScheduleID: scheduleID,
		FiredAt:    firedAt,
		Outcome:    outcome,
		Detail:     detail,
		DurationMs: durationMs,
	}); err != nil {
		r.logger.Error("scheduler: recording execution failed", "error", err)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SchedulerFires.WithLabelValues(agentID, outcome).Inc()
	}
}

// History returns the most recent executions for agentID/scheduleID (either
// may be empty to mean "any"), newest first.
func (r *Runner) History(agentID, scheduleID string, limit int) ([]ExecutionRecord, error) {
	return r.cfg.Store.List(agentID, scheduleID, limit)
}

// runShellPreCheck runs command through "sh -c", treating a zero exit code
// as pass. Combined stdout+stderr (truncated) is returned as the detail
// recorded alongside a skip.
func runShellPreCheck(ctx context.Context, command string) (bool, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	detail := out.String()
	if len(detail) > maxDetailRunelen {
		detail = detail[:maxDetailRunelen]
	}
	if err != nil {
		if detail == "" {
			detail = err.Error()
		}
		return false, detail
	}
	return true, detail
}
