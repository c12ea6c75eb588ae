package report

import (
	"fmt"
	"strings"

	"github.com/hylla/qdoc/internal/domain"
)

// analysesMarkdown builds the organization risk report.
func analysesMarkdown(orgID string, analyses []domain.RevisionRiskAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Revision risk: %s\n\n", orgID)
	if len(analyses) == 0 {
		b.WriteString("_No active or in-review documents._\n")
		return b.String()
	}

	counts := map[domain.RiskLevel]int{}
	revise := 0
	for _, a := range analyses {
		counts[a.RiskLevel]++
		if a.NeedsRevision {
			revise++
		}
	}
	fmt.Fprintf(&b, "%d documents evaluated: **%d high**, %d medium, %d low. %d need revision.\n\n",
		len(analyses), counts[domain.RiskHigh], counts[domain.RiskMedium], counts[domain.RiskLow], revise)

	b.WriteString("| Risk | Revise | Title | Version | Days | Impact |\n|---|---|---|---|---|---|\n")
	for _, a := range analyses {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n",
			a.RiskLevel, yesNo(a.NeedsRevision), escapeCell(a.Title), a.Version, a.DaysSinceRevision, a.MarginImpact)
	}

	for _, a := range analyses {
		if !a.NeedsRevision {
			continue
		}
		b.WriteString("\n")
		writeFindings(&b, "## ", a)
	}
	return b.String()
}

// analysisMarkdown builds one document report.
func analysisMarkdown(a domain.RevisionRiskAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	fmt.Fprintf(&b, "- **Document:** `%s` (%s, v%s)\n", a.DocumentID, a.Status, a.Version)
	fmt.Fprintf(&b, "- **Risk:** %s\n", a.RiskLevel)
	fmt.Fprintf(&b, "- **Needs revision:** %s\n", yesNo(a.NeedsRevision))
	fmt.Fprintf(&b, "- **Days since revision:** %d\n", a.DaysSinceRevision)
	fmt.Fprintf(&b, "- **Margin impact:** %s\n", a.MarginImpact)
	fmt.Fprintf(&b, "- **Maintenance cost:** %.2f\n", a.MaintenanceCost)
	if a.Signals.ConformityScore != nil {
		fmt.Fprintf(&b, "- **Conformity score:** %.1f\n", *a.Signals.ConformityScore)
	}
	if a.Signals.NonConformityCount != nil {
		fmt.Fprintf(&b, "- **Non-conformities:** %d\n", *a.Signals.NonConformityCount)
	}
	b.WriteString("\n")
	writeFindings(&b, "## ", a)
	return b.String()
}

// writeFindings appends reasons and recommendations under a heading.
func writeFindings(b *strings.Builder, heading string, a domain.RevisionRiskAnalysis) {
	fmt.Fprintf(b, "%s%s (%s)\n\n", heading, a.Title, a.RiskLevel)
	if len(a.Reasons) > 0 {
		b.WriteString("**Reasons**\n\n")
		for _, reason := range a.Reasons {
			fmt.Fprintf(b, "- %s\n", reason)
		}
		b.WriteString("\n")
	}
	if len(a.Recommendations) > 0 {
		b.WriteString("**Recommendations**\n\n")
		for _, rec := range a.Recommendations {
			fmt.Fprintf(b, "- %s\n", rec)
		}
	}
}
