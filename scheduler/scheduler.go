// Package scheduler triggers compiled flows on their cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/pipeline-engine/tree"
)

// ErrNotFound is returned for flows that have no schedule.
var ErrNotFound = errors.New("schedule not found")

// ScheduleStatus represents the status of a flow schedule.
type ScheduleStatus string

const (
	StatusActive ScheduleStatus = "active"
	StatusPaused ScheduleStatus = "paused"
)

// ExecutionStatus represents the result of a triggered run.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusFailed  ExecutionStatus = "failed"
	ExecStatusSkipped ExecutionStatus = "skipped"
)

// Schedule is the cron registration of one flow.
type Schedule struct {
	Flow      string         `json:"flow"`
	CronExpr  string         `json:"cronExpr"`
	Status    ScheduleStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	LastRunAt *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time     `json:"nextRunAt,omitempty"`

	node     *tree.FlowNode
	schedule cron.Schedule
	entry    cron.EntryID
}

// ExecutionRecord records the result of a single triggered run.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	Flow      string          `json:"flow"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
}

// Trigger starts a job for flow.
type Trigger func(ctx context.Context, flow *tree.FlowNode) error

// maxHistory bounds the execution records kept per flow.
const maxHistory = 100

// CronScheduler runs flows on their cron expressions.
type CronScheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	history   map[string][]*ExecutionRecord
	trigger   Trigger
	cron      *cron.Cron
	ctx       context.Context
	logger    *slog.Logger
}

// NewCronScheduler creates a scheduler that calls trigger on each tick. A
// nil logger uses slog.Default.
func NewCronScheduler(trigger Trigger, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &CronScheduler{
		schedules: make(map[string]*Schedule),
		history:   make(map[string][]*ExecutionRecord),
		trigger:   trigger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Start begins firing schedules. Triggers run with ctx.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedules", len(s.List()))
}

// Stop stops firing schedules and waits for running triggers until ctx is
// done.
func (s *CronScheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register schedules flow by name, replacing any previous schedule of the
// same flow. A flow without a cron expression is unscheduled.
func (s *CronScheduler) Register(flow *tree.FlowNode) error {
	name := flow.Name()
	if flow.Cron == "" {
		if err := s.Remove(name); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}

	sched, err := ParseCron(flow.Cron)
	if err != nil {
		return fmt.Errorf("flow %s: invalid cron expression: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sc := &Schedule{
		Flow:      name,
		CronExpr:  flow.Cron,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		node:      flow,
		schedule:  sched,
	}
	if prev, ok := s.schedules[name]; ok {
		s.cron.Remove(prev.entry)
		sc.CreatedAt = prev.CreatedAt
		sc.LastRunAt = prev.LastRunAt
		sc.Status = prev.Status
	}
	if sc.Status == StatusActive {
		next := sched.Next(now)
		sc.NextRunAt = &next
		sc.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	}
	s.schedules[name] = sc

	s.logger.Info("Flow scheduled", "flow", name, "cron", flow.Cron, "status", sc.Status)
	return nil
}

// Remove unschedules a flow.
func (s *CronScheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.cron.Remove(sc.entry)
	delete(s.schedules, name)
	s.logger.Info("Flow unscheduled", "flow", name)
	return nil
}

// Get returns a copy of the schedule of a flow.
func (s *CronScheduler) Get(name string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[name]
	if !ok {
		return Schedule{}, false
	}
	return *sc, true
}

// List returns all schedules sorted by flow name.
func (s *CronScheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		result = append(result, *sc)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Flow < result[k].Flow
	})
	return result
}

// Pause stops firing a flow until Resume.
func (s *CronScheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if sc.Status == StatusPaused {
		return nil
	}
	s.cron.Remove(sc.entry)
	sc.entry = 0
	sc.Status = StatusPaused
	sc.UpdatedAt = time.Now()
	sc.NextRunAt = nil
	return nil
}

// Resume resumes a paused flow.
func (s *CronScheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if sc.Status == StatusActive {
		return nil
	}
	sc.Status = StatusActive
	sc.UpdatedAt = time.Now()
	next := sc.schedule.Next(sc.UpdatedAt)
	sc.NextRunAt = &next
	sc.entry = s.cron.Schedule(sc.schedule, cron.FuncJob(func() { s.fire(name) }))
	return nil
}

// History returns execution records for a flow, newest first.
func (s *CronScheduler) History(name string) []*ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[name]
	result := make([]*ExecutionRecord, len(recs))
	copy(result, recs)
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}

// NextRuns returns up to n upcoming execution times for a cron expression.
func NextRuns(cronExpr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = sched.Next(from)
		if from.IsZero() {
			break
		}
		times = append(times, from)
	}
	return times, nil
}

// ExecuteNow triggers a flow immediately, whatever its status.
func (s *CronScheduler) ExecuteNow(ctx context.Context, name string) (*ExecutionRecord, error) {
	s.mu.RLock()
	sc, ok := s.schedules[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.execute(ctx, sc), nil
}

// fire is the cron callback for a flow.
func (s *CronScheduler) fire(name string) {
	s.mu.RLock()
	sc, ok := s.schedules[name]
	ctx := s.ctx
	s.mu.RUnlock()
	if !ok {
		return
	}
	if ctx.Err() != nil {
		s.record(sc, &ExecutionRecord{
			ID:        uuid.NewString(),
			Flow:      name,
			Status:    ExecStatusSkipped,
			StartedAt: time.Now(),
			Error:     ctx.Err().Error(),
		})
		return
	}
	s.execute(ctx, sc)
}

func (s *CronScheduler) execute(ctx context.Context, sc *Schedule) *ExecutionRecord {
	start := time.Now()
	s.logger.Info("Flow triggered", "flow", sc.Flow, "cron", sc.CronExpr)
	execErr := s.trigger(ctx, sc.node)

	rec := &ExecutionRecord{
		ID:        uuid.NewString(),
		Flow:      sc.Flow,
		StartedAt: start,
		Duration:  time.Since(start),
		Status:    ExecStatusSuccess,
	}
	if execErr != nil {
		rec.Status = ExecStatusFailed
		rec.Error = execErr.Error()
		s.logger.Warn("Scheduled flow failed", "flow", sc.Flow, "error", execErr)
	}
	s.record(sc, rec)
	return rec
}

func (s *CronScheduler) record(sc *Schedule, rec *ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sc.LastRunAt = &now
	if sc.Status == StatusActive {
		next := sc.schedule.Next(now)
		sc.NextRunAt = &next
	}
	recs := append(s.history[sc.Flow], rec)
	if len(recs) > maxHistory {
		recs = recs[len(recs)-maxHistory:]
	}
	s.history[sc.Flow] = recs
}

// ParseCron parses a standard 5-field cron expression. Descriptors such as
// @daily and @every 1h are accepted too.
func ParseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// ValidateCron reports whether expr is a valid cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron "+msg, append(keysAndValues, "error", err)...)
}
