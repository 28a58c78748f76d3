// Package scheduler runs remediation actions on once, recurring and
// conditional triggers. Each firing passes through condition and approval
// gates, an optional pre-execution backup and impact test, and a bounded
// action queue, and is recorded in a per-schedule execution history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/impact"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Trigger names recorded on execution results.
const (
	TriggerCron      = "cron"
	TriggerOnce      = "once"
	TriggerCondition = "condition"
	TriggerRetry     = "retry"
	TriggerManual    = "manual"
)

const (
	defaultConcurrency          = 1
	defaultMaxExecutionTime     = 5 * time.Minute
	defaultCancelCheckInterval  = time.Second
	defaultMonitorInterval      = 30 * time.Second
	defaultLongRunningThreshold = 10 * time.Minute
	defaultHistoryLimit         = 100
	defaultPollInterval         = time.Minute
	defaultMaintenanceTTL       = time.Hour

	// onceGrace is how far in the past a one-time run may be and still be
	// accepted as "now".
	onceGrace = 5 * time.Second
)

// Executor runs a single remediation action. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, finding models.Finding, action models.RemediationAction, opts engine.Options) (*engine.Result, error)
}

// ImpactTester produces the pre-execution impact analysis.
type ImpactTester interface {
	Analyze(ctx context.Context, finding models.Finding, action models.RemediationAction, req impact.Request) (*models.ImpactAnalysis, error)
}

// BackupTaker snapshots the target before an execution.
type BackupTaker interface {
	CreateBackup(ctx context.Context, conn connector.Connector, remediationID string, opts backup.Options) (*models.BackupMetadata, error)
}

// BackupRestorer restores a pre-execution backup. A BackupTaker that also
// implements it lets an emergency stop fall back to restoring the backup when
// the action declares no rollback action.
type BackupRestorer interface {
	RestoreBackup(ctx context.Context, id string, conn connector.Connector, opts backup.RestoreOptions) (*backup.RestoreResult, error)
}

// LoadProbe reports current system load for system_load conditions.
type LoadProbe interface {
	SystemLoad(ctx context.Context) (models.SystemLoad, error)
}

// ApprovalSource hands out stored approvals. Consume returns the approver or
// "" when no grant applies.
type ApprovalSource interface {
	Consume(ctx context.Context, scheduleID, actionID string) string
}

// Deps are the collaborators of a Scheduler. Engine is required; the rest
// are optional and the features that need them fail or are skipped when nil.
type Deps struct {
	Engine      Executor
	Connector   connector.Connector
	Analyzer    ImpactTester
	Backups     BackupTaker
	Load        LoadProbe
	Approvals   ApprovalSource
	Notifier    notify.Notifier
	Maintenance MaintenanceMirror
	Store       Store
}

// Config tunes the scheduler. Zero values take the defaults.
type Config struct {
	// Concurrency is the width of the action queue.
	Concurrency             int
	DefaultMaxExecutionTime time.Duration
	CancelCheckInterval     time.Duration
	MonitorInterval         time.Duration
	LongRunningThreshold    time.Duration
	HistoryLimit            int
	DefaultPollInterval     time.Duration
	MaintenanceTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.DefaultMaxExecutionTime <= 0 {
		c.DefaultMaxExecutionTime = defaultMaxExecutionTime
	}
	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = defaultCancelCheckInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
	if c.LongRunningThreshold <= 0 {
		c.LongRunningThreshold = defaultLongRunningThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = defaultPollInterval
	}
	if c.MaintenanceTTL <= 0 {
		c.MaintenanceTTL = defaultMaintenanceTTL
	}
	return c
}

// Filter selects schedules in GetScheduledRemediations. Empty fields match
// everything.
type Filter struct {
	State    models.ScheduleState `form:"state"`
	Type     models.ScheduleType  `form:"type"`
	Priority models.Priority      `form:"priority"`
	Tag      string               `form:"tag"`
}

func (f Filter) matches(s *models.ScheduledRemediation) bool {
	if f.State != "" && s.Status.State != f.State {
		return false
	}
	if f.Type != "" && s.Config.Type != f.Type {
		return false
	}
	if f.Priority != "" && s.Options.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !slices.Contains(s.Metadata.Tags, f.Tag) {
		return false
	}
	return true
}

// ScheduleUpdate is a partial update. Nil fields are left unchanged.
type ScheduleUpdate struct {
	Name        *string                      `json:"name,omitempty"`
	Description *string                      `json:"description,omitempty"`
	Config      *models.ScheduleConfig       `json:"config,omitempty"`
	Conditions  *[]models.ExecutionCondition `json:"conditions,omitempty"`
	Options     *models.ScheduleOptions      `json:"options,omitempty"`
	Tags        []string                     `json:"tags,omitempty"`
	Pause       *bool                        `json:"pause,omitempty"`
}

// ActiveExecution describes an in-flight execution.
type ActiveExecution struct {
	ExecutionID string        `json:"execution_id"`
	ScheduleID  string        `json:"schedule_id"`
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed"`
	Stopping    bool          `json:"stopping"`
}

type execution struct {
	id         string
	scheduleID string
	trigger    string
	started    time.Time
	cancel     context.CancelFunc
	force      chan struct{}
	forceOnce  sync.Once

	// settled is closed once the engine call has returned, or when the
	// execution ended without reaching the engine.
	settled    chan struct{}
	settleOnce sync.Once
	dispatched bool

	// guarded by Scheduler.mu
	stopRequested bool
	stopReason    string
	warned        bool
	backupID      string
	attemptID     string
	changes       *models.ChangeSet
}

func (e *execution) settle() {
	e.settleOnce.Do(func() { close(e.settled) })
}

// Scheduler owns scheduled remediations, their triggers and their history.
type Scheduler struct {
	deps        Deps
	cfg         Config
	logger      *zap.Logger
	cron        *cron.Cron
	queue       *semaphore.Weighted
	maintenance *Maintenance
	now         func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.RWMutex
	schedules  map[string]*models.ScheduledRemediation
	triggers   map[string]*trigger
	history    map[string]*ring
	active     map[string]*execution
	halted     map[string]*execution // stopped executions awaiting their emergency rollback
	predicates map[string]Predicate
	started    bool
	stopped    bool
}

// New creates a Scheduler. Triggers are armed as schedules are added, but
// recurring triggers and the long-running monitor only run after Start.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("scheduler")
	cfg = cfg.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	cl := cronLogger{logger.Named("cron").Sugar()}
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		queue:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		maintenance: newMaintenance(deps.Maintenance, cfg.MaintenanceTTL, logger),
		now:         func() time.Time { return time.Now().UTC() },
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		schedules:   make(map[string]*models.ScheduledRemediation),
		triggers:    make(map[string]*trigger),
		history:     make(map[string]*ring),
		active:      make(map[string]*execution),
		halted:      make(map[string]*execution),
		predicates:  make(map[string]Predicate),
	}
}

// Maintenance returns the process-wide maintenance flag.
func (s *Scheduler) Maintenance() *Maintenance {
	return s.maintenance
}

// Start runs the cron loop and the long-running monitor until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	go s.monitor(ctx)
	s.logger.Info("scheduler started",
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Duration("monitor_interval", s.cfg.MonitorInterval))
}

// Stop disarms every trigger, cancels executions started by triggers and
// waits for them to finish or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id := range s.triggers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	s.cron.Stop()
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// ScheduleRemediation validates in, assigns an id when it has none, arms its
// trigger and returns the stored schedule.
func (s *Scheduler) ScheduleRemediation(ctx context.Context, in models.ScheduledRemediation) (*models.ScheduledRemediation, error) {
	sched := in.Clone()
	now := s.now()

	if sched.ID == "" {
		sched.ID = "sched-" + uuid.NewString()
	}
	if sched.Name == "" {
		sched.Name = sched.Action.Name
		if sched.Name == "" {
			sched.Name = sched.Action.ID
		}
	}
	if sched.Options.Priority == "" {
		sched.Options.Priority = models.PriorityNormal
	}
	if sched.Options.MaxExecutionTime == 0 {
		sched.Options.MaxExecutionTime = s.cfg.DefaultMaxExecutionTime
	}
	sched.Status = models.ScheduleStatus{State: models.ScheduleStateScheduled}
	sched.Metadata.CreatedAt = now
	sched.Metadata.UpdatedAt = now

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, exists := s.schedules[sched.ID]; exists {
		s.mu.Unlock()
		return nil, invalid("schedule %s already exists", sched.ID)
	}
	if err := s.validateLocked(sched, now, true); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.armLocked(sched); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.schedules[sched.ID] = sched
	s.history[sched.ID] = newRing(s.cfg.HistoryLimit)
	out := sched.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	s.logger.Info("remediation scheduled",
		zap.String("schedule_id", out.ID),
		zap.String("action_id", out.Action.ID),
		zap.String("type", string(out.Config.Type)),
		zap.String("priority", string(out.Options.Priority)),
		zap.Timep("next_execution", out.Status.NextExecution))
	return out, nil
}

func (s *Scheduler) validateLocked(sched *models.ScheduledRemediation, now time.Time, requireFuture bool) error {
	if sched.Action.ID == "" {
		return invalid("action id is required")
	}
	if sched.Options.MaxExecutionTime < 0 || sched.Options.NotifyBefore < 0 {
		return invalid("durations must not be negative")
	}
	if sched.Options.Priority.Rank() == 0 && sched.Options.Priority != models.PriorityLow {
		return invalid("unknown priority %q", sched.Options.Priority)
	}

	cfg := sched.Config
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return invalid("timezone %q: %v", cfg.Timezone, err)
		}
	}
	switch cfg.Type {
	case models.ScheduleRecurring:
		if _, err := parseCron(cfg); err != nil {
			return invalid("cron expression %q: %v", cfg.Expression, err)
		}
	case models.ScheduleOnce:
		if cfg.RunAt == nil {
			return invalid("once schedule requires run_at")
		}
		if requireFuture && cfg.RunAt.Before(now.Add(-onceGrace)) {
			return invalid("run_at %s is in the past", cfg.RunAt.Format(time.RFC3339))
		}
	case models.ScheduleConditional:
		if cfg.PollInterval < 0 {
			return invalid("poll interval must not be negative")
		}
	default:
		return invalid("unknown schedule type %q", cfg.Type)
	}

	if rp := cfg.RetryPolicy; rp != nil {
		switch rp.Strategy {
		case "", models.BackoffFixed, models.BackoffLinear, models.BackoffExponential:
		default:
			return invalid("unknown backoff strategy %q", rp.Strategy)
		}
		if rp.MaxRetries < 0 || rp.InitialDelay < 0 || rp.MaxDelay < 0 {
			return invalid("retry policy values must not be negative")
		}
		if rp.MaxRetries > 0 && rp.InitialDelay == 0 {
			return invalid("retry policy requires an initial delay")
		}
	}

	for _, c := range sched.Conditions {
		if err := validateCondition(c, s.predicates); err != nil {
			return err
		}
	}
	return nil
}

// CancelScheduledRemediation disarms a schedule for good and stops any
// execution of it that is in flight.
func (s *Scheduler) CancelScheduledRemediation(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sched.Status.State == models.ScheduleStateCancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	s.disarmLocked(id)
	sched.Status.State = models.ScheduleStateCancelled
	sched.Status.CancelReason = reason
	sched.Status.NextExecution = nil
	sched.Metadata.UpdatedAt = s.now()
	delete(s.halted, sched.Metadata.EmergencyRollbackOf)

	var running []*execution
	for _, ex := range s.active {
		if ex.scheduleID == id {
			ex.stopRequested = true
			ex.stopReason = "schedule cancelled: " + reason
			running = append(running, ex)
		}
	}
	out := sched.Clone()
	s.mu.Unlock()

	for _, ex := range running {
		ex.cancel()
	}
	s.persist(ctx, out)
	s.logger.Info("schedule cancelled",
		zap.String("schedule_id", id),
		zap.String("reason", reason),
		zap.Int("stopped_executions", len(running)))
	return nil
}

// UpdateSchedule applies u to a schedule and re-arms its trigger when the
// trigger configuration or pause state changes.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id string, u ScheduleUpdate) (*models.ScheduledRemediation, error) {
	s.mu.Lock()
	out, err := s.updateLocked(id, u)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.persist(ctx, out)
	s.logger.Info("schedule updated",
		zap.String("schedule_id", id),
		zap.String("state", string(out.Status.State)),
		zap.Bool("config_changed", u.Config != nil))
	return out, nil
}

func (s *Scheduler) updateLocked(id string, u ScheduleUpdate) (*models.ScheduledRemediation, error) {
	live, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if live.Status.State == models.ScheduleStateCancelled {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	next := live.Clone()
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Config != nil {
		next.Config = *u.Config
		if u.Config.RetryPolicy != nil {
			rp := *u.Config.RetryPolicy
			next.Config.RetryPolicy = &rp
		}
	}
	if u.Conditions != nil {
		next.Conditions = append([]models.ExecutionCondition(nil), (*u.Conditions)...)
	}
	if u.Options != nil {
		next.Options = *u.Options
		if next.Options.Priority == "" {
			next.Options.Priority = models.PriorityNormal
		}
		if next.Options.MaxExecutionTime == 0 {
			next.Options.MaxExecutionTime = s.cfg.DefaultMaxExecutionTime
		}
	}
	if u.Tags != nil {
		next.Metadata.Tags = append([]string(nil), u.Tags...)
	}

	now := s.now()
	if err := s.validateLocked(next, now, u.Config != nil); err != nil {
		return nil, err
	}

	wasPaused := live.Status.State == models.ScheduleStatePaused
	pause := wasPaused
	if u.Pause != nil {
		pause = *u.Pause
	}
	_, armed := s.triggers[id]

	switch {
	case pause && !wasPaused:
		s.disarmLocked(id)
		next.Status.State = models.ScheduleStatePaused
		next.Status.NextExecution = nil
	case pause:
	case wasPaused || u.Config != nil:
		if err := s.armLocked(next); err != nil {
			return nil, err
		}
		if next.Status.State != models.ScheduleStateRunning {
			next.Status.State = models.ScheduleStateScheduled
		}
	case armed && u.Options != nil:
		if t := s.triggers[id]; t != nil {
			s.armNoticeLocked(next, t, now)
		}
	}

	next.Metadata.UpdatedAt = now
	s.schedules[id] = next
	return next.Clone(), nil
}

// GetSchedule returns a copy of one schedule.
func (s *Scheduler) GetSchedule(id string) (*models.ScheduledRemediation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sched.Clone(), nil
}

// GetScheduledRemediations returns the schedules matching f, most urgent
// first, then by next execution time (unscheduled last) and name.
func (s *Scheduler) GetScheduledRemediations(f Filter) []*models.ScheduledRemediation {
	s.mu.RLock()
	out := make([]*models.ScheduledRemediation, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if f.matches(sched) {
			out = append(out, sched.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Options.Priority.Rank(), b.Options.Priority.Rank(); ra != rb {
			return ra > rb
		}
		an, bn := a.Status.NextExecution, b.Status.NextExecution
		switch {
		case an != nil && bn != nil && !an.Equal(*bn):
			return an.Before(*bn)
		case an != nil && bn == nil:
			return true
		case an == nil && bn != nil:
			return false
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// GetExecutionHistory returns up to limit results for a schedule, newest
// first. limit <= 0 returns the whole retained history.
func (s *Scheduler) GetExecutionHistory(id string, limit int) ([]models.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.newest(limit), nil
}

// ExecuteNow fires a schedule in the background, outside its trigger.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string, ec models.ExecutionContext) error {
	s.mu.RLock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sched.Status.State == models.ScheduleStateCancelled {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	for _, ex := range s.active {
		if ex.scheduleID == id {
			s.mu.RUnlock()
			return &ConflictError{ScheduleID: id, ExecutionID: ex.id}
		}
	}
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	ec.Trigger = TriggerManual
	go func() { _, _ = s.fire(id, ec) }()
	return nil
}

// ActiveExecutions lists in-flight executions, oldest first.
func (s *Scheduler) ActiveExecutions() []ActiveExecution {
	now := s.now()
	s.mu.RLock()
	out := make([]ActiveExecution, 0, len(s.active))
	for _, ex := range s.active {
		out = append(out, ActiveExecution{
			ExecutionID: ex.id,
			ScheduleID:  ex.scheduleID,
			Trigger:     ex.trigger,
			StartedAt:   ex.started,
			Elapsed:     now.Sub(ex.started),
			Stopping:    ex.stopRequested,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// LoadFromStore rehydrates schedules and history from the configured store
// and re-arms every schedule that can still fire. One-time schedules whose
// run time passed while the process was down fire immediately.
func (s *Scheduler) LoadFromStore(ctx context.Context) (int, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	scheds, err := s.deps.Store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load schedules: %w", err)
	}

	loaded := 0
	for _, sched := range scheds {
		h := newRing(s.cfg.HistoryLimit)
		results, err := s.deps.Store.ListExecutions(ctx, sched.ID, s.cfg.HistoryLimit)
		if err != nil {
			s.logger.Warn("failed to load execution history", zap.String("schedule_id", sched.ID), zap.Error(err))
		}
		for i := len(results) - 1; i >= 0; i-- {
			h.push(results[i])
		}

		if sched.Status.State == models.ScheduleStateRunning {
			sched.Status.State = models.ScheduleStateFailed
			sched.Status.LastError = "interrupted by restart"
		}

		s.mu.Lock()
		if _, exists := s.schedules[sched.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.schedules[sched.ID] = sched
		s.history[sched.ID] = h
		if rearm(sched) {
			if err := s.armLocked(sched); err != nil {
				s.logger.Warn("failed to re-arm schedule", zap.String("schedule_id", sched.ID), zap.Error(err))
			}
		}
		s.mu.Unlock()
		loaded++
	}

	s.logger.Info("schedules loaded from store", zap.Int("count", loaded))
	return loaded, nil
}

func rearm(sched *models.ScheduledRemediation) bool {
	switch sched.Status.State {
	case models.ScheduleStateCancelled, models.ScheduleStatePaused:
		return false
	}
	switch sched.Config.Type {
	case models.ScheduleRecurring:
		return true
	case models.ScheduleOnce, models.ScheduleConditional:
		return sched.Status.State == models.ScheduleStateScheduled
	}
	return false
}

func (s *Scheduler) persist(ctx context.Context, sched *models.ScheduledRemediation) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.SaveSchedule(context.WithoutCancel(ctx), sched); err != nil {
		s.logger.Warn("failed to persist schedule", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

func (s *Scheduler) persistExecution(ctx context.Context, res models.ExecutionResult) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.SaveExecution(context.WithoutCancel(ctx), res); err != nil {
		s.logger.Warn("failed to persist execution",
			zap.String("schedule_id", res.ScheduleID),
			zap.String("execution_id", res.ExecutionID),
			zap.Error(err))
	}
}

func (s *Scheduler) notify(ctx context.Context, n notify.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}
	if err := s.deps.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		if errors.Is(err, notify.ErrRateLimited) {
			s.logger.Debug("notification dropped", zap.String("type", string(n.Type)))
			return
		}
		s.logger.Warn("notification failed", zap.String("type", string(n.Type)), zap.Error(err))
	}
}
