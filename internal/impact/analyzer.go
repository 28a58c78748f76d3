// Package impact computes multi-dimensional risk and impact assessments for a
// proposed remediation action against a finding.
//
// The analyzer only reads state. System state comes from an Inspector and
// past outcomes from a HistoryProvider; both are optional.
package impact

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Inspector provides read-only system introspection.
type Inspector interface {
	ListServices(ctx context.Context) ([]models.ServiceInfo, error)
	SystemLoad(ctx context.Context) (models.SystemLoad, error)
}

// HistoryProvider returns past outcome statistics per action type.
type HistoryProvider interface {
	Outcomes(ctx context.Context, actionID string) (cache.OutcomeStats, error)
}

// Request carries the optional context of an analysis.
type Request struct {
	// Targets are the resources the action operates on. When empty they are
	// taken from the "service" or "services" action parameters.
	Targets []string
	// At is the planned execution time. Zero means now.
	At time.Time
}

// Analyzer computes impact analyses.
type Analyzer struct {
	inspector Inspector
	history   HistoryProvider
	graph     Graph
	logger    *zap.Logger
	now       func() time.Time
}

// NewAnalyzer creates an Analyzer. A nil graph selects DefaultGraph.
func NewAnalyzer(inspector Inspector, history HistoryProvider, graph Graph, logger *zap.Logger) *Analyzer {
	if graph == nil {
		graph = DefaultGraph()
	}
	return &Analyzer{
		inspector: inspector,
		history:   history,
		graph:     graph,
		logger:    logging.OrNop(logger).Named("impact"),
		now:       time.Now,
	}
}

// snapshot is the system state an analysis is computed against.
type snapshot struct {
	services     map[string]models.ServiceInfo
	load         models.SystemLoad
	stats        cache.OutcomeStats
	inspectorErr bool
}

// Analyze computes the impact of running action against finding.
func (a *Analyzer) Analyze(ctx context.Context, finding models.Finding, action models.RemediationAction, req Request) (*models.ImpactAnalysis, error) {
	if action.ID == "" {
		return nil, fmt.Errorf("impact: action id is required")
	}

	ctx, span := tracer.Start(ctx, "impact.Analyze", trace.WithAttributes(
		attribute.String("remedy.action_id", action.ID),
		attribute.String("remedy.finding_id", finding.ID),
	))
	defer span.End()

	at := req.At
	if at.IsZero() {
		at = a.now()
	}
	prof, known := lookupProfile(action)
	snap := a.snapshot(ctx, action.ID)

	targets := req.Targets
	if len(targets) == 0 {
		targets = targetsFromParams(action.Parameters)
	}

	critical := make(map[string]bool)
	var serviceList []models.ServiceInfo
	for _, svc := range snap.services {
		critical[svc.Name] = svc.Critical
		serviceList = append(serviceList, svc)
	}
	sort.Slice(serviceList, func(i, j int) bool { return serviceList[i].Name < serviceList[j].Name })

	deps := a.graph.withServices(serviceList).Dependents(targets, critical)
	services := serviceImpacts(prof, action, targets, deps)
	risk := assessRisk(finding, action, prof, snap, services, at)

	analysis := &models.ImpactAnalysis{
		ID:           "ia-" + uuid.NewString(),
		FindingID:    finding.ID,
		ActionID:     action.ID,
		Risk:         risk,
		Dependencies: deps,
		Services:     services,
		Users:        userImpact(prof, services, snap),
		Performance:  performanceImpact(prof, snap.load),
		Availability: availabilityImpact(action, prof, services),
		Security:     securityImpact(prof, action),
		AnalyzedAt:   a.now().UTC(),
	}
	if analysis.Dependencies == nil {
		analysis.Dependencies = []models.DependencyImpact{}
	}
	analysis.DataIntegrity = dataIntegrityImpact(prof, action)
	analysis.EstimatedDuration = estimateDuration(action, prof, deps, services)
	analysis.RollbackComplexity = rollbackComplexity(prof, analysis.DataIntegrity)
	analysis.Confidence = confidence(known, snap, risk)
	analysis.Recommendations = recommendations(action, analysis, snap.load)

	analysesTotal.WithLabelValues(string(risk.Level)).Inc()
	riskScore.Observe(risk.Score)
	span.SetAttributes(
		attribute.String("remedy.risk_level", string(risk.Level)),
		attribute.Float64("remedy.risk_score", risk.Score),
	)

	a.logger.Debug("impact analysed",
		zap.String("action_id", action.ID),
		zap.String("finding_id", finding.ID),
		zap.String("risk_level", string(risk.Level)),
		zap.Float64("risk_score", risk.Score),
		zap.Int("dependencies", len(deps)),
		zap.Float64("confidence", analysis.Confidence))

	return analysis, nil
}

func (a *Analyzer) snapshot(ctx context.Context, actionID string) snapshot {
	snap := snapshot{services: make(map[string]models.ServiceInfo)}

	if a.inspector != nil {
		services, err := a.inspector.ListServices(ctx)
		if err != nil {
			snap.inspectorErr = true
			a.logger.Warn("service introspection failed", zap.Error(err))
		}
		for _, svc := range services {
			snap.services[svc.Name] = svc
		}
		load, err := a.inspector.SystemLoad(ctx)
		if err != nil {
			snap.inspectorErr = true
			a.logger.Warn("system load sample failed", zap.Error(err))
		} else {
			snap.load = load
		}
	}

	if a.history != nil {
		stats, err := a.history.Outcomes(ctx, actionID)
		if err != nil {
			a.logger.Warn("outcome history unavailable", zap.String("action_id", actionID), zap.Error(err))
		} else {
			snap.stats = stats
		}
	}
	return snap
}

func targetsFromParams(params map[string]any) []string {
	var out []string
	if s, ok := params["service"].(string); ok && s != "" {
		out = append(out, s)
	}
	switch v := params["services"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	}
	if s, ok := params["resource"].(string); ok && s != "" {
		out = append(out, s)
	}
	return dedupe(out)
}

func serviceImpacts(prof profile, action models.RemediationAction, targets []string, deps []models.DependencyImpact) []models.ServiceImpact {
	out := make([]models.ServiceImpact, 0, len(targets)+len(deps))
	for _, t := range targets {
		si := models.ServiceImpact{Service: t, State: models.ServiceDegraded}
		if prof.restarts || action.RequiresDowntime {
			si.State = models.ServiceOffline
			si.RequiresRestart = prof.restarts
			si.EstimatedDowntime = prof.restartDowntime
			if si.EstimatedDowntime == 0 {
				si.EstimatedDowntime = action.EstimatedDuration
			}
		}
		out = append(out, si)
	}
	for _, d := range deps {
		state := models.ServiceUnaffected
		if d.Depth == 1 {
			state = models.ServiceDegraded
		}
		out = append(out, models.ServiceImpact{Service: d.Resource, State: state})
	}
	return out
}

func userImpact(prof profile, services []models.ServiceImpact, snap snapshot) models.UserImpact {
	var users, groups int
	for _, si := range services {
		info, ok := snap.services[si.Service]
		if !ok {
			continue
		}
		switch si.State {
		case models.ServiceOffline:
			users += int(math.Round(float64(info.ActiveUsers) * prof.userShare))
			groups += info.UserGroups
		case models.ServiceDegraded:
			users += int(math.Round(float64(info.ActiveUsers) * prof.userShare / 2))
			if prof.userShare > 0 && info.ActiveUsers > 0 {
				groups += info.UserGroups
			}
		}
	}

	ui := models.UserImpact{AffectedUsers: users, AffectedGroups: groups, SessionDisruption: prof.disruption}
	if users == 0 {
		ui.SessionDisruption = models.ImpactNone
		ui.Description = "no active users affected"
		return ui
	}
	ui.Description = fmt.Sprintf("%d users in %d groups may experience %s session disruption", users, groups, ui.SessionDisruption)
	return ui
}

func performanceImpact(prof profile, load models.SystemLoad) models.PerformanceImpact {
	pi := models.PerformanceImpact{
		CPU:                  prof.cpu,
		Memory:               prof.memory,
		Disk:                 prof.disk,
		Network:              prof.network,
		EstimatedDegradation: prof.degradation,
	}
	switch overall := load.Overall(); {
	case overall > 0.8:
		pi.EstimatedDegradation *= 1.5
		pi.CPU = escalate(pi.CPU, load.CPU > 0.8)
		pi.Memory = escalate(pi.Memory, load.Memory > 0.8)
		pi.Disk = escalate(pi.Disk, load.Disk > 0.8)
		pi.Network = escalate(pi.Network, load.Network > 0.8)
	case overall > 0.6:
		pi.EstimatedDegradation *= 1.2
	}
	pi.EstimatedDegradation = math.Min(100, math.Round(pi.EstimatedDegradation*10)/10)
	return pi
}

func escalate(t models.ImpactTier, hot bool) models.ImpactTier {
	if !hot {
		return t
	}
	switch t {
	case models.ImpactNone:
		return models.ImpactLow
	case models.ImpactLow:
		return models.ImpactMedium
	default:
		return models.ImpactHigh
	}
}

// monthlyMinutes is the window used for expected availability.
const monthlyMinutes = 30 * 24 * 60

func availabilityImpact(action models.RemediationAction, prof profile, services []models.ServiceImpact) models.AvailabilityImpact {
	ai := models.AvailabilityImpact{RequiresDowntime: action.RequiresDowntime || prof.restarts}
	for _, si := range services {
		if si.State == models.ServiceUnaffected {
			continue
		}
		ai.AffectedServices++
		if si.EstimatedDowntime > ai.EstimatedDowntime {
			ai.EstimatedDowntime = si.EstimatedDowntime
		}
	}
	if ai.RequiresDowntime && ai.EstimatedDowntime == 0 {
		ai.EstimatedDowntime = prof.restartDowntime
	}
	avail := 100 * (1 - ai.EstimatedDowntime.Minutes()/monthlyMinutes)
	ai.ExpectedAvailability = math.Round(avail*1000) / 1000
	return ai
}

func dataIntegrityImpact(prof profile, action models.RemediationAction) models.DataIntegrityImpact {
	records := prof.records
	for _, k := range []string{"records", "affected_records"} {
		if n, ok := toInt(action.Parameters[k]); ok {
			records = n
		}
	}

	di := models.DataIntegrityImpact{
		ModifiesData:    prof.modifiesData,
		Reversible:      prof.reversible || action.CanRollback,
		AffectedRecords: records,
	}
	di.BackupRequired = di.ModifiesData && (!di.Reversible || records > 100 || action.RiskLevel == models.RiskHigh)
	switch {
	case di.ModifiesData && !di.Reversible:
		di.Risk = models.RiskHigh
	case di.ModifiesData && records > 1000:
		di.Risk = models.RiskHigh
	case di.ModifiesData:
		di.Risk = models.RiskMedium
	default:
		di.Risk = models.RiskLow
	}
	return di
}

var securityKeywords = map[string]string{
	"password":   "auth",
	"credential": "auth",
	"token":      "auth",
	"mfa":        "auth",
	"permission": "authz",
	"role":       "authz",
	"acl":        "authz",
	"audit":      "audit",
	"tls":        "encryption",
	"cipher":     "encryption",
	"encrypt":    "encryption",
}

func securityImpact(prof profile, action models.RemediationAction) models.SecurityImpact {
	si := models.SecurityImpact{
		Authentication: prof.auth,
		Authorization:  prof.authz,
		Audit:          prof.audit,
		Encryption:     prof.encryption,
	}
	for key := range action.Parameters {
		lk := strings.ToLower(key)
		for kw, area := range securityKeywords {
			if !strings.Contains(lk, kw) {
				continue
			}
			switch area {
			case "auth":
				si.Authentication = true
			case "authz":
				si.Authorization = true
			case "audit":
				si.Audit = true
			case "encryption":
				si.Encryption = true
			}
		}
	}

	touched := 0
	tags := map[string]bool{}
	if si.Authentication {
		touched++
		tags["SOC2-CC6.1"] = true
		tags["ISO27001-A.9.4"] = true
	}
	if si.Authorization {
		touched++
		tags["SOC2-CC6.3"] = true
		tags["ISO27001-A.9.2"] = true
	}
	if si.Audit {
		touched++
		tags["SOC2-CC7.2"] = true
		tags["PCI-DSS-10"] = true
	}
	if si.Encryption {
		touched++
		tags["PCI-DSS-3.4"] = true
		tags["ISO27001-A.10.1"] = true
	}
	for t := range tags {
		si.ComplianceTags = append(si.ComplianceTags, t)
	}
	sort.Strings(si.ComplianceTags)

	switch {
	case touched >= 3:
		si.Risk = models.RiskHigh
	case touched >= 1:
		si.Risk = models.RiskMedium
	default:
		si.Risk = models.RiskLow
	}
	return si
}

func estimateDuration(action models.RemediationAction, prof profile, deps []models.DependencyImpact, services []models.ServiceImpact) time.Duration {
	base := action.EstimatedDuration
	if base <= 0 {
		base = prof.baseDuration
	}
	restarts := 0
	for _, s := range services {
		if s.RequiresRestart {
			restarts++
		}
	}
	total := base + time.Duration(len(deps))*5*time.Second + time.Duration(restarts)*30*time.Second
	return total * 12 / 10
}

func rollbackComplexity(prof profile, di models.DataIntegrityImpact) models.RollbackComplexity {
	switch {
	case !di.Reversible || di.AffectedRecords > 1000:
		return models.RollbackComplex
	case prof.configOnly:
		return models.RollbackSimple
	default:
		return models.RollbackModerate
	}
}

func confidence(known bool, snap snapshot, risk models.RiskAssessment) float64 {
	c := 80.0
	if rate, ok := snap.stats.SuccessRate(); ok {
		c = 0.5*c + 0.5*rate*100
	}
	switch overall := snap.load.Overall(); {
	case overall > 0.8:
		c -= 15
	case overall > 0.6:
		c -= 5
	}
	for _, f := range risk.Factors {
		if f.Name != factorComplexity {
			continue
		}
		switch {
		case f.Score > 60:
			c -= 10
		case f.Score > 30:
			c -= 5
		}
	}
	if !known {
		c -= 10
	}
	if snap.inspectorErr {
		c -= 20
	}
	return clamp(math.Round(c*10) / 10)
}

func recommendations(action models.RemediationAction, ia *models.ImpactAnalysis, load models.SystemLoad) []string {
	recs := []string{}
	switch ia.Risk.Level {
	case models.RiskCritical:
		recs = append(recs, "Do not execute without explicit approval from a senior operator")
		fallthrough
	case models.RiskHigh:
		recs = append(recs, "Schedule during a maintenance window")
	}
	if ia.Users.AffectedUsers > 100 {
		recs = append(recs, fmt.Sprintf("Notify %d affected users in advance", ia.Users.AffectedUsers))
	}
	if ia.DataIntegrity.BackupRequired {
		recs = append(recs, "Create a full backup before execution")
	}
	if !action.CanRollback {
		recs = append(recs, "Prepare a manual rollback plan; the action declares no rollback")
	}
	if n := len(ia.Dependencies); n > 0 {
		names := make([]string, 0, n)
		for _, d := range ia.Dependencies {
			names = append(names, d.Resource)
		}
		recs = append(recs, "Monitor dependent resources: "+strings.Join(names, ", "))
	}
	if load.Overall() > 0.8 {
		recs = append(recs, "Wait until system load drops below 80%")
	}
	if ia.Security.Risk != models.RiskLow {
		recs = append(recs, "Review the change with the security team")
	}
	if ia.Availability.RequiresDowntime {
		recs = append(recs, "Enable maintenance mode for the duration of the change")
	}
	return recs
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
