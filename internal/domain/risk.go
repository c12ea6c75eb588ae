package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RiskLevel is the coarse revision-risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels so higher risk compares greater.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// raise returns the higher of r and other.
func (r RiskLevel) raise(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// RiskThresholds configures the revision risk evaluator.
type RiskThresholds struct {
	WarningDays        int     `json:"warning_days"`
	RequiredDays       int     `json:"required_days"`
	MinConformityScore float64 `json:"min_conformity_score"`
	MaxNonConformities int     `json:"max_non_conformities"`
}

// DefaultRiskThresholds returns the stock evaluator configuration.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		WarningDays:        90,
		RequiredDays:       180,
		MinConformityScore: 70,
		MaxNonConformities: 3,
	}
}

// Normalize fills unset fields with defaults. The zero value means "not
// configured" and yields the stock thresholds. Otherwise only non-positive day
// limits and negative score or count limits are replaced; an explicit zero
// conformity floor or zero non-conformity allowance is kept.
func (t RiskThresholds) Normalize() RiskThresholds {
	def := DefaultRiskThresholds()
	if t == (RiskThresholds{}) {
		return def
	}
	if t.WarningDays <= 0 {
		t.WarningDays = def.WarningDays
	}
	if t.RequiredDays <= 0 {
		t.RequiredDays = def.RequiredDays
	}
	if t.MinConformityScore < 0 {
		t.MinConformityScore = def.MinConformityScore
	}
	if t.MaxNonConformities < 0 {
		t.MaxNonConformities = def.MaxNonConformities
	}
	return t
}

// Validate rejects inconsistent threshold combinations.
func (t RiskThresholds) Validate() error {
	if t.WarningDays <= 0 || t.RequiredDays <= 0 {
		return fmt.Errorf("%w: risk day thresholds must be positive", ErrValidation)
	}
	if t.WarningDays > t.RequiredDays {
		return fmt.Errorf("%w: warning_days must not exceed required_days", ErrValidation)
	}
	if t.MinConformityScore < 0 || t.MinConformityScore > 100 {
		return ErrInvalidConformity
	}
	if t.MaxNonConformities < 0 {
		return fmt.Errorf("%w: max_non_conformities must be non-negative", ErrValidation)
	}
	return nil
}

// RiskSignals are optional externally supplied inputs. Nil means absent.
type RiskSignals struct {
	ConformityScore    *float64 `json:"conformity_score,omitempty"`
	NonConformityCount *int     `json:"non_conformity_count,omitempty"`
}

// SignalsFromExtraction derives risk signals from a linked extraction.
func SignalsFromExtraction(e ProcedureExtraction) RiskSignals {
	score := e.ConformityScore
	count := e.NonConformityCount()
	return RiskSignals{ConformityScore: &score, NonConformityCount: &count}
}

// RevisionRiskAnalysis is the evaluator output for one document.
type RevisionRiskAnalysis struct {
	DocumentID        string         `json:"document_id"`
	OrgID             string         `json:"org_id"`
	Title             string         `json:"title"`
	Status            DocumentStatus `json:"status"`
	Version           Version        `json:"version"`
	DaysSinceRevision int            `json:"days_since_revision"`
	MarginImpact      MarginImpact   `json:"margin_impact"`
	MaintenanceCost   float64        `json:"maintenance_cost"`
	Signals           RiskSignals    `json:"signals"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	NeedsRevision     bool           `json:"needs_revision"`
	Reasons           []string       `json:"reasons"`
	Recommendations   []string       `json:"recommendations"`
	EvaluatedAt       time.Time      `json:"evaluated_at"`
}

// EvaluateRevisionRisk classifies one document. It never mutates doc and
// never lowers the risk level once a rule has raised it.
func EvaluateRevisionRisk(doc Document, signals RiskSignals, thresholds RiskThresholds, now time.Time) RevisionRiskAnalysis {
	thresholds = thresholds.Normalize()
	days := doc.DaysSinceRevision(now)
	out := RevisionRiskAnalysis{
		DocumentID:        doc.ID,
		OrgID:             doc.OrgID,
		Title:             doc.Title,
		Status:            doc.Status,
		Version:           doc.Version,
		DaysSinceRevision: days,
		MarginImpact:      doc.RiskMetrics.MarginImpact,
		MaintenanceCost:   doc.RiskMetrics.MaintenanceCost,
		Signals:           signals,
		RiskLevel:         RiskLow,
		Reasons:           []string{},
		Recommendations:   []string{},
		EvaluatedAt:       now.UTC(),
	}
	add := func(level RiskLevel, needsRevision bool, reason, recommendation string) {
		out.RiskLevel = out.RiskLevel.raise(level)
		out.NeedsRevision = out.NeedsRevision || needsRevision
		out.Reasons = append(out.Reasons, reason)
		out.Recommendations = append(out.Recommendations, recommendation)
	}

	switch {
	case days >= thresholds.RequiredDays:
		add(RiskHigh, true,
			fmt.Sprintf("last revised %d days ago, at or beyond the %d-day revision limit", days, thresholds.RequiredDays),
			"schedule a full revision of this document immediately")
	case days >= thresholds.WarningDays:
		add(RiskMedium, false,
			fmt.Sprintf("last revised %d days ago, past the %d-day warning window", days, thresholds.WarningDays),
			"plan a review before the revision limit is reached")
	}
	if signals.ConformityScore != nil && *signals.ConformityScore < thresholds.MinConformityScore {
		add(RiskHigh, true,
			fmt.Sprintf("conformity score %s is below the minimum of %s", formatScore(*signals.ConformityScore), formatScore(thresholds.MinConformityScore)),
			"compare the documented procedure against observed practice and correct deviations")
	}
	if signals.NonConformityCount != nil && *signals.NonConformityCount > thresholds.MaxNonConformities {
		add(RiskHigh, true,
			fmt.Sprintf("%d non-conformities recorded, above the limit of %d", *signals.NonConformityCount, thresholds.MaxNonConformities),
			"open corrective actions for the recorded non-conformities")
	}
	if doc.RiskMetrics.MarginImpact == MarginImpactHigh {
		add(RiskHigh, true,
			"document has high margin impact",
			"prioritize this document in the revision backlog")
	}
	if doc.Status == StatusObsolete {
		out.Reasons = append(out.Reasons, "document is obsolete")
		out.Recommendations = append(out.Recommendations, "confirm no active process still references this document")
	}
	if len(out.Reasons) == 0 {
		out.Reasons = append(out.Reasons, "document is in compliance")
		out.Recommendations = append(out.Recommendations, "maintain periodic monitoring")
	}
	return out
}

// SortByRiskDesc orders analyses high to low, keeping input order for ties.
func SortByRiskDesc(analyses []RevisionRiskAnalysis) {
	slices.SortStableFunc(analyses, func(a, b RevisionRiskAnalysis) int {
		return b.RiskLevel.Rank() - a.RiskLevel.Rank()
	})
}

// ParseRiskLevel normalizes and validates a risk level value.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	level := RiskLevel(strings.ToLower(strings.TrimSpace(raw)))
	switch level {
	case RiskLow, RiskMedium, RiskHigh:
		return level, nil
	default:
		return "", fmt.Errorf("%w: unknown risk level %q", ErrValidation, raw)
	}
}

func formatScore(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
