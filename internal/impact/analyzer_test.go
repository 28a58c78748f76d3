package impact

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

type brokenInspector struct{}

func (brokenInspector) ListServices(ctx context.Context) ([]models.ServiceInfo, error) {
	return nil, errors.New("unreachable")
}

func (brokenInspector) SystemLoad(ctx context.Context) (models.SystemLoad, error) {
	return models.SystemLoad{}, errors.New("unreachable")
}

// offHours is a Tuesday at 03:00 UTC.
var offHours = time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T, insp Inspector, hist HistoryProvider) *Analyzer {
	t.Helper()
	return NewAnalyzer(insp, hist, nil, zaptest.NewLogger(t))
}

func TestRiskLevelForScore_Thresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  models.RiskLevel
	}{
		{0, models.RiskLow},
		{24.99, models.RiskLow},
		{25, models.RiskMedium},
		{49.99, models.RiskMedium},
		{50, models.RiskHigh},
		{74, models.RiskHigh},
		{74.99, models.RiskHigh},
		{75, models.RiskCritical},
		{100, models.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevelForScore(tt.score), "score %v", tt.score)
	}
}

func uniformFactors(score float64) []models.RiskFactor {
	var out []models.RiskFactor
	for name, w := range weights {
		out = append(out, models.RiskFactor{Name: name, Weight: w, Score: score})
	}
	return out
}

func TestCombineFactors_ExactBoundaries(t *testing.T) {
	assert.Equal(t, 75.0, CombineFactors(uniformFactors(75)))
	assert.Equal(t, models.RiskCritical, RiskLevelForScore(CombineFactors(uniformFactors(75))))
	assert.Equal(t, 74.0, CombineFactors(uniformFactors(74)))
	assert.Equal(t, models.RiskHigh, RiskLevelForScore(CombineFactors(uniformFactors(74))))
}

func TestRiskLevelUsesUnroundedScore(t *testing.T) {
	factors := []models.RiskFactor{{Name: factorActionType, Weight: 1, Score: 74.996}}
	score := CombineFactors(factors)
	assert.InDelta(t, 74.996, score, 1e-9)
	assert.Equal(t, models.RiskHigh, RiskLevelForScore(score))
	assert.Equal(t, 74.99, displayScore(score))
	assert.Equal(t, 75.0, displayScore(CombineFactors(uniformFactors(75))))
}

func TestCombineFactors_AlwaysWithinBounds(t *testing.T) {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		var factors []models.RiskFactor
		for name, w := range weights {
			factors = append(factors, models.RiskFactor{Name: name, Weight: w, Score: r.Float64()*400 - 150})
		}
		score := CombineFactors(factors)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 100.0)
	}
}

func TestAnalyze_RestartService(t *testing.T) {
	conn := connector.NewSampleSimulated("sys-1")
	a := newTestAnalyzer(t, conn, cache.NewMemoryOutcomes())

	finding := models.Finding{ID: "f-1", Severity: models.SeverityHigh, Remediable: true}
	action := models.RemediationAction{
		ID:          "restart_service",
		RiskLevel:   models.RiskMedium,
		CanRollback: false,
		Parameters:  map[string]any{"service": "cache"},
	}

	ia, err := a.Analyze(context.Background(), finding, action, Request{At: offHours})
	require.NoError(t, err)

	assert.Equal(t, "restart_service", ia.ActionID)
	assert.Len(t, ia.Risk.Factors, 5)
	assert.GreaterOrEqual(t, ia.Risk.Score, 0.0)
	assert.LessOrEqual(t, ia.Risk.Score, 100.0)
	assert.Equal(t, RiskLevelForScore(ia.Risk.Score), ia.Risk.Level)

	var deps []string
	for _, d := range ia.Dependencies {
		deps = append(deps, d.Resource)
	}
	assert.Equal(t, []string{"api-gateway", "session-store", "web-server"}, deps)

	require.NotEmpty(t, ia.Services)
	assert.Equal(t, "cache", ia.Services[0].Service)
	assert.Equal(t, models.ServiceOffline, ia.Services[0].State)
	assert.True(t, ia.Services[0].RequiresRestart)

	// (45s base + 3 deps * 5s + 1 restart * 30s) * 1.2
	assert.Equal(t, 108*time.Second, ia.EstimatedDuration)
	assert.True(t, ia.Availability.RequiresDowntime)
	assert.Equal(t, models.RollbackModerate, ia.RollbackComplexity)
	// api-gateway is degraded: half of its 120 users.
	assert.Equal(t, 60, ia.Users.AffectedUsers)
	assert.Equal(t, 4, ia.Users.AffectedGroups)
	assert.Contains(t, ia.Recommendations, "Prepare a manual rollback plan; the action declares no rollback")
}

func TestAnalyze_RollbackComplexity(t *testing.T) {
	a := newTestAnalyzer(t, nil, nil)
	finding := models.Finding{ID: "f-1", Severity: models.SeverityLow}

	tests := []struct {
		name   string
		action models.RemediationAction
		want   models.RollbackComplexity
	}{
		{"config only", models.RemediationAction{ID: "update_configuration", CanRollback: true}, models.RollbackSimple},
		{"cache", models.RemediationAction{ID: "clear_cache"}, models.RollbackSimple},
		{"irreversible", models.RemediationAction{ID: "cleanup_files"}, models.RollbackComplex},
		{"many records", models.RemediationAction{ID: "database_maintenance", CanRollback: true}, models.RollbackComplex},
		{"few records", models.RemediationAction{ID: "database_maintenance", CanRollback: true, Parameters: map[string]any{"records": 10}}, models.RollbackModerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ia, err := a.Analyze(context.Background(), finding, tt.action, Request{At: offHours})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ia.RollbackComplexity)
		})
	}
}

func TestAnalyze_HistoryAndConfidence(t *testing.T) {
	ctx := context.Background()
	outcomes := cache.NewMemoryOutcomes()
	for i := 0; i < 10; i++ {
		require.NoError(t, outcomes.RecordOutcome(ctx, "clear_cache", i < 2, time.Second))
	}
	a := newTestAnalyzer(t, nil, outcomes)
	finding := models.Finding{ID: "f-1", Severity: models.SeverityLow}

	ia, err := a.Analyze(ctx, finding, models.RemediationAction{ID: "clear_cache"}, Request{At: offHours})
	require.NoError(t, err)

	var history models.RiskFactor
	for _, f := range ia.Risk.Factors {
		if f.Name == factorHistory {
			history = f
		}
	}
	assert.InDelta(t, 80.0, history.Score, 1e-9)
	// 0.5*80 + 0.5*20
	assert.InDelta(t, 50.0, ia.Confidence, 1e-9)
	assert.Contains(t, ia.Risk.Mitigations, "Investigate previous failures of this action before retrying")
}

func TestAnalyze_HighLoadScalesPerformance(t *testing.T) {
	conn := connector.NewSampleSimulated("sys-1")
	a := newTestAnalyzer(t, conn, nil)
	finding := models.Finding{ID: "f-1", Severity: models.SeverityLow}
	action := models.RemediationAction{ID: "database_maintenance", Parameters: map[string]any{"resource": "database"}}

	calm, err := a.Analyze(context.Background(), finding, action, Request{At: offHours})
	require.NoError(t, err)

	conn.SetLoad(models.SystemLoad{CPU: 0.95, Memory: 0.5, Disk: 0.4, Network: 0.2})
	busy, err := a.Analyze(context.Background(), finding, action, Request{At: offHours})
	require.NoError(t, err)

	assert.InDelta(t, calm.Performance.EstimatedDegradation*1.5, busy.Performance.EstimatedDegradation, 0.1)
	assert.Equal(t, models.ImpactHigh, busy.Performance.CPU)
	assert.Less(t, busy.Confidence, calm.Confidence)
	assert.Contains(t, busy.Recommendations, "Wait until system load drops below 80%")
}

func TestAnalyze_SecurityImpact(t *testing.T) {
	a := newTestAnalyzer(t, nil, nil)
	ia, err := a.Analyze(context.Background(), models.Finding{ID: "f"}, models.RemediationAction{
		ID:         "update_configuration",
		Parameters: map[string]any{"password_min_len": 12, "tls_version": "1.3"},
	}, Request{At: offHours})
	require.NoError(t, err)

	assert.True(t, ia.Security.Authentication)
	assert.True(t, ia.Security.Encryption)
	assert.False(t, ia.Security.Authorization)
	assert.Contains(t, ia.Security.ComplianceTags, "PCI-DSS-3.4")
	assert.Equal(t, models.RiskMedium, ia.Security.Risk)
}

func TestAnalyze_TimeOfDay(t *testing.T) {
	tests := []struct {
		at   time.Time
		want float64
	}{
		{time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), 80},
		{time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC), 50},
		{offHours, 20},
		{time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timeOfDayFactor(tt.at).Score, tt.at.String())
	}
}

func TestAnalyze_InspectorFailureLowersConfidence(t *testing.T) {
	finding := models.Finding{ID: "f"}
	action := models.RemediationAction{ID: "clear_cache"}

	ok, err := newTestAnalyzer(t, nil, nil).Analyze(context.Background(), finding, action, Request{At: offHours})
	require.NoError(t, err)
	broken, err := newTestAnalyzer(t, brokenInspector{}, nil).Analyze(context.Background(), finding, action, Request{At: offHours})
	require.NoError(t, err)

	assert.InDelta(t, ok.Confidence-20, broken.Confidence, 1e-9)
}

func TestAnalyze_RequiresActionID(t *testing.T) {
	_, err := newTestAnalyzer(t, nil, nil).Analyze(context.Background(), models.Finding{}, models.RemediationAction{}, Request{})
	assert.Error(t, err)
}

func TestLoadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dependencies:\n  queue: [worker, notifier]\n  worker: [reporting]\n"), 0o600))

	g, err := LoadGraph(path)
	require.NoError(t, err)

	deps := g.Dependents([]string{"queue"}, map[string]bool{"worker": true})
	require.Len(t, deps, 3)
	assert.Equal(t, "notifier", deps[0].Resource)
	assert.Equal(t, "worker", deps[1].Resource)
	assert.Equal(t, models.RiskHigh, deps[1].Severity)
	assert.Equal(t, "reporting", deps[2].Resource)
	assert.Equal(t, 2, deps[2].Depth)

	merged := DefaultGraph().Merge(g)
	assert.Contains(t, merged["queue"], "worker")
	assert.Contains(t, merged["database"], "api-gateway")

	_, err = LoadGraph(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
