package impact

import (
	"fmt"
	"math"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

const (
	factorActionType  = "action_type"
	factorCriticality = "system_criticality"
	factorTimeOfDay   = "time_of_day"
	factorHistory     = "historical_failure_rate"
	factorComplexity  = "parameter_complexity"
)

// Factor weights. They sum to 1.0.
var weights = map[string]float64{
	factorActionType:  0.30,
	factorCriticality: 0.25,
	factorTimeOfDay:   0.15,
	factorHistory:     0.20,
	factorComplexity:  0.10,
}

// RiskLevelForScore maps a 0-100 risk score to a level.
func RiskLevelForScore(score float64) models.RiskLevel {
	switch {
	case score >= 75:
		return models.RiskCritical
	case score >= 50:
		return models.RiskHigh
	case score >= 25:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// CombineFactors computes the weighted score of factors, clamped to [0,100].
// Only floating point noise is rounded away; the result is what risk levels
// are compared against.
func CombineFactors(factors []models.RiskFactor) float64 {
	var total float64
	for _, f := range factors {
		total += f.Weight * clamp(f.Score)
	}
	return clamp(math.Round(total*1e9) / 1e9)
}

// displayScore truncates score to two decimals so the reported score never
// reaches a threshold its level did not.
func displayScore(score float64) float64 {
	return math.Floor(score*100) / 100
}

func assessRisk(finding models.Finding, action models.RemediationAction, prof profile, snap snapshot, services []models.ServiceImpact, at time.Time) models.RiskAssessment {
	factors := []models.RiskFactor{
		actionTypeFactor(action, prof),
		criticalityFactor(finding, snap, services),
		timeOfDayFactor(at),
		historyFactor(snap),
		complexityFactor(action),
	}
	score := CombineFactors(factors)
	return models.RiskAssessment{
		Level:       RiskLevelForScore(score),
		Score:       displayScore(score),
		Factors:     factors,
		Mitigations: mitigations(factors),
	}
}

func factor(name string, score float64, desc string) models.RiskFactor {
	return models.RiskFactor{Name: name, Weight: weights[name], Score: clamp(score), Description: desc}
}

func actionTypeFactor(action models.RemediationAction, prof profile) models.RiskFactor {
	score := prof.baseRisk
	var declared float64
	switch action.RiskLevel {
	case models.RiskLow:
		declared = 20
	case models.RiskMedium:
		declared = 50
	case models.RiskHigh:
		declared = 80
	case models.RiskCritical:
		declared = 100
	}
	if declared > score {
		score = declared
	}
	if action.RequiresDowntime {
		score += 10
	}
	return factor(factorActionType, score, fmt.Sprintf("base risk of %s", action.ID))
}

func criticalityFactor(finding models.Finding, snap snapshot, services []models.ServiceImpact) models.RiskFactor {
	var score float64
	switch finding.Severity {
	case models.SeverityCritical:
		score = 90
	case models.SeverityHigh:
		score = 70
	case models.SeverityMedium:
		score = 45
	default:
		score = 20
	}

	criticalHit := 0
	for _, si := range services {
		if info, ok := snap.services[si.Service]; ok && info.Critical && si.State != models.ServiceUnaffected {
			criticalHit++
		}
	}
	if criticalHit > 0 {
		score = math.Max(score, 75) + 5*float64(criticalHit-1)
	}
	return factor(factorCriticality, score, fmt.Sprintf("finding severity %s, %d critical services affected", finding.Severity, criticalHit))
}

func timeOfDayFactor(at time.Time) models.RiskFactor {
	h := at.Hour()
	var score float64
	var desc string
	switch {
	case at.Weekday() == time.Saturday || at.Weekday() == time.Sunday:
		score, desc = 30, "weekend"
	case h >= 9 && h < 17:
		score, desc = 80, "business hours"
	case h >= 17 && h < 22, h >= 7 && h < 9:
		score, desc = 50, "shoulder hours"
	default:
		score, desc = 20, "off hours"
	}
	return factor(factorTimeOfDay, score, desc)
}

func historyFactor(snap snapshot) models.RiskFactor {
	rate, ok := snap.stats.SuccessRate()
	if !ok {
		return factor(factorHistory, 50, "no execution history")
	}
	return factor(factorHistory, (1-rate)*100,
		fmt.Sprintf("%d failures in %d executions", snap.stats.Failures, snap.stats.Total))
}

func complexityFactor(action models.RemediationAction) models.RiskFactor {
	score := 10 * float64(len(action.Parameters))
	for _, v := range action.Parameters {
		switch v.(type) {
		case map[string]any, []any, []string:
			score += 15
		}
	}
	if action.RollbackAction != "" && len(action.RollbackParameters) > 0 {
		score += 5
	}
	return factor(factorComplexity, score, fmt.Sprintf("%d parameters", len(action.Parameters)))
}

func mitigations(factors []models.RiskFactor) []string {
	var out []string
	for _, f := range factors {
		if f.Score < 60 {
			continue
		}
		switch f.Name {
		case factorActionType:
			out = append(out, "Run a dry run first and review the reported changes")
		case factorCriticality:
			out = append(out, "Stage the change on a non-critical replica first")
		case factorTimeOfDay:
			out = append(out, "Defer execution to off-peak hours")
		case factorHistory:
			out = append(out, "Investigate previous failures of this action before retrying")
		case factorComplexity:
			out = append(out, "Validate parameters with a peer review")
		}
	}
	return out
}
