// Package models defines the core data structures used across Remedy.
//
// Remedy is the Remediation Orchestration Engine for Open Cloud Ops. It takes
// findings produced by a diagnostic engine, selects and schedules corrective
// actions, gates them behind impact analysis and approval, snapshots state
// before risky changes and executes them under timeout and cancellation
// control. These models represent findings, actions, attempts, schedules,
// backups and impact assessments that flow through the system.
package models

import "time"

// Severity is the severity of a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel is the risk classification of an action or an impact assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Finding is a diagnosed problem produced by an external diagnostic engine.
// Findings are immutable once produced and are only referenced by attempts.
type Finding struct {
	ID          string              `json:"id"`
	RuleID      string              `json:"rule_id"`
	Severity    Severity            `json:"severity"`
	Category    string              `json:"category"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	SystemID    string              `json:"system_id,omitempty"`
	Remediable  bool                `json:"remediable"`
	Actions     []RemediationAction `json:"actions,omitempty"`
	DetectedAt  time.Time           `json:"detected_at"`
}

// RemediationAction is a named corrective operation defined by the action
// registry. The engine only reads it.
type RemediationAction struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	RequiredParameters []string       `json:"required_parameters,omitempty"`
	RiskLevel          RiskLevel      `json:"risk_level"`
	RequiresApproval   bool           `json:"requires_approval"`
	RequiresDowntime   bool           `json:"requires_downtime"`
	CanRollback        bool           `json:"can_rollback"`
	RollbackAction     string         `json:"rollback_action,omitempty"`
	RollbackParameters map[string]any `json:"rollback_parameters,omitempty"`
	EstimatedDuration  time.Duration  `json:"estimated_duration"`
}

// AttemptStatus is the state of a remediation attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptExecuting  AttemptStatus = "executing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled_back"
)

// Rank orders attempt statuses. Transitions must never decrease the rank.
func (s AttemptStatus) Rank() int {
	switch s {
	case AttemptPending:
		return 0
	case AttemptExecuting:
		return 1
	case AttemptCompleted, AttemptFailed:
		return 2
	case AttemptRolledBack:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further execution transition is possible.
func (s AttemptStatus) Terminal() bool {
	return s.Rank() >= 2
}

// ChangeSet records the state before and after an action was applied.
// It is what a rollback handler receives to undo the change.
type ChangeSet struct {
	Target string         `json:"target,omitempty"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// RemediationAttempt is one execution instance of an action against a finding.
type RemediationAttempt struct {
	ID          string        `json:"id"`
	FindingID   string        `json:"finding_id"`
	ActionID    string        `json:"action_id"`
	Status      AttemptStatus `json:"status"`
	DryRun      bool          `json:"dry_run"`
	ExecutedBy  string        `json:"executed_by,omitempty"`
	ApprovedBy  string        `json:"approved_by,omitempty"`
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	ChangesMade *ChangeSet    `json:"changes_made,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ScheduleType selects how a scheduled remediation is triggered.
type ScheduleType string

const (
	ScheduleOnce        ScheduleType = "once"
	ScheduleRecurring   ScheduleType = "recurring"
	ScheduleConditional ScheduleType = "conditional"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy controls automatic retries of failed scheduled executions.
type RetryPolicy struct {
	MaxRetries   int             `json:"max_retries"`
	Strategy     BackoffStrategy `json:"strategy"`
	InitialDelay time.Duration   `json:"initial_delay"`
	MaxDelay     time.Duration   `json:"max_delay"`
}

// ScheduleConfig describes when a scheduled remediation fires.
type ScheduleConfig struct {
	Type ScheduleType `json:"type"`
	// Expression is a cron expression for recurring schedules.
	Expression   string        `json:"expression,omitempty"`
	RunAt        *time.Time    `json:"run_at,omitempty"`
	Timezone     string        `json:"timezone,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	RetryPolicy  *RetryPolicy  `json:"retry_policy,omitempty"`
}

// ConditionType identifies the predicate an ExecutionCondition evaluates.
type ConditionType string

const (
	ConditionTimeWindow ConditionType = "time_window"
	ConditionSystemLoad ConditionType = "system_load"
	ConditionDependency ConditionType = "dependency"
	ConditionApproval   ConditionType = "approval"
	ConditionCustom     ConditionType = "custom"
)

// TimeWindow is a daily window expressed as "15:04" clock times in the
// schedule's timezone. End before Start wraps past midnight.
type TimeWindow struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"`
}

// ExecutionCondition gates whether a firing may proceed.
type ExecutionCondition struct {
	Type        ConditionType `json:"type"`
	Required    bool          `json:"required"`
	Description string        `json:"description,omitempty"`
	Window      *TimeWindow   `json:"window,omitempty"`
	// MaxSystemLoad is a 0..1 utilisation threshold.
	MaxSystemLoad float64 `json:"max_system_load,omitempty"`
	// DependsOn is the id of a schedule whose last execution must have succeeded.
	DependsOn string `json:"depends_on,omitempty"`
	// Predicate names a custom predicate registered with the scheduler.
	Predicate string `json:"predicate,omitempty"`
}

// Priority of a scheduled remediation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// ScheduleOptions tune how a scheduled remediation is executed.
type ScheduleOptions struct {
	Priority              Priority      `json:"priority"`
	MaxExecutionTime      time.Duration `json:"max_execution_time,omitempty"`
	RequireApproval       bool          `json:"require_approval"`
	BackupBeforeExecution bool          `json:"backup_before_execution"`
	TestBeforeExecution   bool          `json:"test_before_execution"`
	MaintenanceMode       bool          `json:"maintenance_mode"`
	NotifyBefore          time.Duration `json:"notify_before,omitempty"`
	DryRun                bool          `json:"dry_run"`
}

// ScheduleState is the lifecycle state of a scheduled remediation.
type ScheduleState string

const (
	ScheduleStateScheduled ScheduleState = "scheduled"
	ScheduleStateRunning   ScheduleState = "running"
	ScheduleStateCompleted ScheduleState = "completed"
	ScheduleStateFailed    ScheduleState = "failed"
	ScheduleStateCancelled ScheduleState = "cancelled"
	ScheduleStatePaused    ScheduleState = "paused"
)

// ScheduleStatus tracks the runtime state of a scheduled remediation.
type ScheduleStatus struct {
	State               ScheduleState `json:"state"`
	LastExecution       *time.Time    `json:"last_execution,omitempty"`
	NextExecution       *time.Time    `json:"next_execution,omitempty"`
	ExecutionCount      int           `json:"execution_count"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AverageDuration     time.Duration `json:"average_duration"`
	LastError           string        `json:"last_error,omitempty"`
	CancelReason        string        `json:"cancel_reason,omitempty"`
}

// ScheduleMetadata carries bookkeeping about a scheduled remediation.
type ScheduleMetadata struct {
	CreatedBy           string    `json:"created_by,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Tags                []string  `json:"tags,omitempty"`
	RelatedIssues       []string  `json:"related_issues,omitempty"`
	EmergencyRollbackOf string    `json:"emergency_rollback_of,omitempty"`
}

// ScheduledRemediation is a standing trigger bound to an action.
type ScheduledRemediation struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Finding     Finding              `json:"finding"`
	Action      RemediationAction    `json:"action"`
	Config      ScheduleConfig       `json:"config"`
	Conditions  []ExecutionCondition `json:"conditions,omitempty"`
	Options     ScheduleOptions      `json:"options"`
	Status      ScheduleStatus       `json:"status"`
	Metadata    ScheduleMetadata     `json:"metadata"`
}

// Clone returns a copy that shares no mutable slices with the receiver.
func (s *ScheduledRemediation) Clone() *ScheduledRemediation {
	c := *s
	c.Conditions = append([]ExecutionCondition(nil), s.Conditions...)
	c.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	c.Metadata.RelatedIssues = append([]string(nil), s.Metadata.RelatedIssues...)
	if s.Config.RetryPolicy != nil {
		rp := *s.Config.RetryPolicy
		c.Config.RetryPolicy = &rp
	}
	return &c
}

// Terminal reports whether the schedule will never fire again.
func (s *ScheduledRemediation) Terminal() bool {
	switch s.Status.State {
	case ScheduleStateCancelled:
		return true
	case ScheduleStateCompleted, ScheduleStateFailed:
		return s.Config.Type != ScheduleRecurring && s.Status.NextExecution == nil
	}
	return false
}

// ExecutionContext describes why and by whom a scheduled execution was started.
type ExecutionContext struct {
	Trigger      string `json:"trigger"`
	RetryAttempt int    `json:"retry_attempt"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	RequestedBy  string `json:"requested_by,omitempty"`
}

// ExecutionResult is the outcome of one scheduled firing.
type ExecutionResult struct {
	ScheduleID        string        `json:"schedule_id"`
	ExecutionID       string        `json:"execution_id"`
	AttemptID         string        `json:"attempt_id,omitempty"`
	Trigger           string        `json:"trigger"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Duration          time.Duration `json:"duration"`
	Success           bool          `json:"success"`
	Skipped           bool          `json:"skipped"`
	Error             string        `json:"error,omitempty"`
	Changes           []ChangeSet   `json:"changes,omitempty"`
	BackupID          string        `json:"backup_id,omitempty"`
	RollbackAvailable bool          `json:"rollback_available"`
}

// BackupType selects what a backup captures.
type BackupType string

const (
	BackupConfiguration BackupType = "configuration"
	BackupDatabase      BackupType = "database"
	BackupFiles         BackupType = "files"
	BackupFull          BackupType = "full"
)

// RetentionPriority influences how long a backup survives cleanup.
type RetentionPriority string

const (
	RetentionLow    RetentionPriority = "low"
	RetentionNormal RetentionPriority = "normal"
	RetentionHigh   RetentionPriority = "high"
)

// RetentionPolicy defines how long a backup is kept.
type RetentionPolicy struct {
	Days     int               `json:"days"`
	Priority RetentionPriority `json:"priority"`
}

// BackupItem is one captured artifact within a backup.
type BackupItem struct {
	Name         string     `json:"name"`
	Type         BackupType `json:"type"`
	Path         string     `json:"path"`
	OriginalPath string     `json:"original_path"`
	Size         int64      `json:"size"`
	Checksum     string     `json:"checksum"`
}

// BackupMetadata is the metadata.json document stored with every backup.
type BackupMetadata struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	RemediationID string          `json:"remediation_id"`
	SystemID      string          `json:"system_id,omitempty"`
	Type          BackupType      `json:"type"`
	Items         []BackupItem    `json:"items"`
	Checksum      string          `json:"checksum"`
	Encrypted     bool            `json:"encrypted"`
	Compressed    bool            `json:"compressed"`
	SizeBytes     int64           `json:"size_bytes"`
	Retention     RetentionPolicy `json:"retention"`
}

// ServiceStatus is the runtime status of a managed service.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceUnknown ServiceStatus = "unknown"
)

// ServiceInfo describes a service on a managed system.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	Critical     bool          `json:"critical"`
	ActiveUsers  int           `json:"active_users"`
	UserGroups   int           `json:"user_groups"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// SystemLoad is a point-in-time utilisation sample, each value 0..1.
type SystemLoad struct {
	CPU     float64   `json:"cpu"`
	Memory  float64   `json:"memory"`
	Disk    float64   `json:"disk"`
	Network float64   `json:"network"`
	Sampled time.Time `json:"sampled"`
}

// Overall returns the highest utilisation across all dimensions.
func (l SystemLoad) Overall() float64 {
	m := l.CPU
	for _, v := range []float64{l.Memory, l.Disk, l.Network} {
		if v > m {
			m = v
		}
	}
	return m
}

// HealthStatus represents the health state of a managed service.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ServiceHealth is a point-in-time health assessment of a service.
type ServiceHealth struct {
	Service   string            `json:"service"`
	Status    HealthStatus      `json:"status"`
	LastCheck time.Time         `json:"last_check"`
	Details   map[string]string `json:"details,omitempty"`
}

// RiskFactor is one weighted contributor to a risk score.
type RiskFactor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// RiskAssessment is the combined risk of a proposed action.
type RiskAssessment struct {
	Level       RiskLevel    `json:"level"`
	Score       float64      `json:"score"`
	Factors     []RiskFactor `json:"factors"`
	Mitigations []string     `json:"mitigations,omitempty"`
}

// DependencyImpact is a cascading effect on a dependent resource.
type DependencyImpact struct {
	Resource    string    `json:"resource"`
	Via         string    `json:"via"`
	Depth       int       `json:"depth"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// ServiceImpactState is the expected state of a service during an action.
type ServiceImpactState string

const (
	ServiceOffline    ServiceImpactState = "offline"
	ServiceDegraded   ServiceImpactState = "degraded"
	ServiceUnaffected ServiceImpactState = "unaffected"
)

// ServiceImpact is the expected effect on one service.
type ServiceImpact struct {
	Service           string             `json:"service"`
	State             ServiceImpactState `json:"state"`
	RequiresRestart   bool               `json:"requires_restart"`
	EstimatedDowntime time.Duration      `json:"estimated_downtime"`
}

// ImpactTier is a coarse impact classification.
type ImpactTier string

const (
	ImpactNone   ImpactTier = "none"
	ImpactLow    ImpactTier = "low"
	ImpactMedium ImpactTier = "medium"
	ImpactHigh   ImpactTier = "high"
)

// UserImpact estimates how users are affected.
type UserImpact struct {
	AffectedUsers     int        `json:"affected_users"`
	AffectedGroups    int        `json:"affected_groups"`
	SessionDisruption ImpactTier `json:"session_disruption"`
	Description       string     `json:"description"`
}

// PerformanceImpact estimates resource pressure caused by an action.
type PerformanceImpact struct {
	CPU                  ImpactTier `json:"cpu"`
	Memory               ImpactTier `json:"memory"`
	Disk                 ImpactTier `json:"disk"`
	Network              ImpactTier `json:"network"`
	EstimatedDegradation float64    `json:"estimated_degradation"`
}

// AvailabilityImpact estimates downtime.
type AvailabilityImpact struct {
	RequiresDowntime  bool          `json:"requires_downtime"`
	EstimatedDowntime time.Duration `json:"estimated_downtime"`
	AffectedServices  int           `json:"affected_services"`

	// ExpectedAvailability is the monthly availability percentage after the downtime.
	ExpectedAvailability float64 `json:"expected_availability"`
}

// DataIntegrityImpact describes how an action touches data.
type DataIntegrityImpact struct {
	ModifiesData    bool      `json:"modifies_data"`
	Reversible      bool      `json:"reversible"`
	BackupRequired  bool      `json:"backup_required"`
	AffectedRecords int       `json:"affected_records"`
	Risk            RiskLevel `json:"risk"`
}

// SecurityImpact lists security-sensitive touch points.
type SecurityImpact struct {
	Authentication bool      `json:"authentication"`
	Authorization  bool      `json:"authorization"`
	Audit          bool      `json:"audit"`
	Encryption     bool      `json:"encryption"`
	ComplianceTags []string  `json:"compliance_tags,omitempty"`
	Risk           RiskLevel `json:"risk"`
}

// RollbackComplexity tiers how hard undoing an action is.
type RollbackComplexity string

const (
	RollbackSimple   RollbackComplexity = "simple"
	RollbackModerate RollbackComplexity = "moderate"
	RollbackComplex  RollbackComplexity = "complex"
)

// ImpactAnalysis is the full assessment for a (finding, action) pair.
type ImpactAnalysis struct {
	ID                 string              `json:"id"`
	FindingID          string              `json:"finding_id"`
	ActionID           string              `json:"action_id"`
	Risk               RiskAssessment      `json:"risk"`
	Dependencies       []DependencyImpact  `json:"dependencies"`
	Services           []ServiceImpact     `json:"services"`
	Users              UserImpact          `json:"users"`
	Performance        PerformanceImpact   `json:"performance"`
	Availability       AvailabilityImpact  `json:"availability"`
	DataIntegrity      DataIntegrityImpact `json:"data_integrity"`
	Security           SecurityImpact      `json:"security"`
	Recommendations    []string            `json:"recommendations"`
	EstimatedDuration  time.Duration       `json:"estimated_duration"`
	RollbackComplexity RollbackComplexity  `json:"rollback_complexity"`
	Confidence         float64             `json:"confidence"`
	AnalyzedAt         time.Time           `json:"analyzed_at"`
}
