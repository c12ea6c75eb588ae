// Package report renders documents and revision risk analyses for terminal output.
package report

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/charmbracelet/glamour"
	"github.com/hylla/qdoc/internal/domain"
)

// Format names one output encoding.
type Format string

// Supported output formats.
const (
	FormatTable    Format = "table"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// minWrapWidth is the narrowest glamour wrap width we accept.
const minWrapWidth = 40

// ParseFormat normalizes one --format value. Empty means table.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatMarkdown, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want table, markdown, or json)", raw)
	}
}

// Options tunes terminal rendering.
type Options struct {
	// Styled enables colors and glamour rendering. Disable for pipes and tests.
	Styled bool
	// Width wraps markdown output. Zero uses 80.
	Width int
}

// Renderer writes report views in one format.
type Renderer struct {
	format Format
	opts   Options
}

// NewRenderer constructs a new value for this package.
func NewRenderer(format Format, opts Options) *Renderer {
	if format == "" {
		format = FormatTable
	}
	if opts.Width <= 0 {
		opts.Width = 80
	}
	return &Renderer{format: format, opts: opts}
}

// Analyses writes an organization risk report.
func (r *Renderer) Analyses(w io.Writer, orgID string, analyses []domain.RevisionRiskAnalysis) error {
	switch r.format {
	case FormatJSON:
		return writeJSON(w, map[string]any{
			"org_id":   orgID,
			"analyses": nonNilAnalyses(analyses),
		})
	case FormatMarkdown:
		return r.writeMarkdown(w, analysesMarkdown(orgID, analyses))
	default:
		if len(analyses) == 0 {
			_, err := fmt.Fprintf(w, "no active or in-review documents for %s\n", orgID)
			return err
		}
		rows := make([][]string, 0, len(analyses))
		for _, a := range analyses {
			rows = append(rows, []string{
				string(a.RiskLevel),
				yesNo(a.NeedsRevision),
				a.Title,
				a.Version.String(),
				string(a.Status),
				strconv.Itoa(a.DaysSinceRevision),
				string(a.MarginImpact),
				a.DocumentID,
			})
		}
		_, err := fmt.Fprintln(w, r.table([]string{"RISK", "REVISE", "TITLE", "VERSION", "STATUS", "DAYS", "IMPACT", "ID"}, rows, 0))
		return err
	}
}

// Analysis writes one document's risk report.
func (r *Renderer) Analysis(w io.Writer, a domain.RevisionRiskAnalysis) error {
	switch r.format {
	case FormatJSON:
		return writeJSON(w, a)
	case FormatMarkdown:
		return r.writeMarkdown(w, analysisMarkdown(a))
	default:
		rows := [][]string{
			{"document", a.DocumentID},
			{"title", a.Title},
			{"status", string(a.Status)},
			{"version", a.Version.String()},
			{"risk", string(a.RiskLevel)},
			{"needs revision", yesNo(a.NeedsRevision)},
			{"days since revision", strconv.Itoa(a.DaysSinceRevision)},
			{"margin impact", string(a.MarginImpact)},
			{"maintenance cost", strconv.FormatFloat(a.MaintenanceCost, 'f', 2, 64)},
		}
		if a.Signals.ConformityScore != nil {
			rows = append(rows, []string{"conformity score", strconv.FormatFloat(*a.Signals.ConformityScore, 'f', 1, 64)})
		}
		if a.Signals.NonConformityCount != nil {
			rows = append(rows, []string{"non-conformities", strconv.Itoa(*a.Signals.NonConformityCount)})
		}
		for _, reason := range a.Reasons {
			rows = append(rows, []string{"reason", reason})
		}
		for _, rec := range a.Recommendations {
			rows = append(rows, []string{"recommendation", rec})
		}
		_, err := fmt.Fprintln(w, r.table(nil, rows, -1))
		return err
	}
}

// Documents writes a document listing.
func (r *Renderer) Documents(w io.Writer, docs []domain.Document) error {
	switch r.format {
	case FormatJSON:
		if docs == nil {
			docs = []domain.Document{}
		}
		return writeJSON(w, map[string]any{"documents": docs})
	case FormatMarkdown:
		var b strings.Builder
		b.WriteString("# Documents\n\n")
		if len(docs) == 0 {
			b.WriteString("_No documents._\n")
		} else {
			b.WriteString("| Title | Type | Status | Version | Last revised | ID |\n|---|---|---|---|---|---|\n")
			for _, d := range docs {
				fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | `%s` |\n",
					escapeCell(d.Title), d.Type, d.Status, d.Version, d.Metadata.LastRevisedAt.Format("2006-01-02"), d.ID)
			}
		}
		return r.writeMarkdown(w, b.String())
	default:
		if len(docs) == 0 {
			_, err := fmt.Fprintln(w, "no documents")
			return err
		}
		rows := make([][]string, 0, len(docs))
		for _, d := range docs {
			rows = append(rows, []string{
				d.Title,
				string(d.Type),
				string(d.Status),
				d.Version.String(),
				d.Metadata.LastRevisedAt.Format("2006-01-02"),
				d.ID,
			})
		}
		_, err := fmt.Fprintln(w, r.table([]string{"TITLE", "TYPE", "STATUS", "VERSION", "REVISED", "ID"}, rows, -1))
		return err
	}
}

// History writes archived snapshots, newest first.
func (r *Renderer) History(w io.Writer, entries []domain.HistoryEntry) error {
	switch r.format {
	case FormatJSON:
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		return writeJSON(w, map[string]any{"history": entries})
	case FormatMarkdown:
		var b strings.Builder
		b.WriteString("# History\n\n")
		if len(entries) == 0 {
			b.WriteString("_No archived versions._\n")
		} else {
			b.WriteString("| Key | Trigger | Archived | By | Reason |\n|---|---|---|---|---|\n")
			for _, e := range entries {
				fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
					e.Key, e.Trigger, e.ArchivedAt.Format("2006-01-02 15:04"), escapeCell(e.ArchivedBy), escapeCell(e.Reason))
			}
		}
		return r.writeMarkdown(w, b.String())
	default:
		if len(entries) == 0 {
			_, err := fmt.Fprintln(w, "no archived versions")
			return err
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.Key,
				string(e.Trigger),
				e.ArchivedAt.Format("2006-01-02 15:04"),
				e.ArchivedBy,
				e.Reason,
			})
		}
		_, err := fmt.Fprintln(w, r.table([]string{"KEY", "TRIGGER", "ARCHIVED", "BY", "REASON"}, rows, -1))
		return err
	}
}

// table renders rows with lipgloss. riskCol colors that column by risk level; -1 disables.
func (r *Renderer) table(headers []string, rows [][]string, riskCol int) string {
	t := table.New().Rows(rows...)
	if len(headers) > 0 {
		t = t.Headers(headers...)
	}
	if !r.opts.Styled {
		return t.Border(lipgloss.ASCIIBorder()).
			StyleFunc(func(_, _ int) lipgloss.Style {
				return lipgloss.NewStyle().Padding(0, 1)
			}).
			String()
	}
	cell := lipgloss.NewStyle().Padding(0, 1)
	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cell.Bold(true).Foreground(lipgloss.Color("230"))
			}
			if col == riskCol && row >= 0 && row < len(rows) {
				return cell.Foreground(riskColor(domain.RiskLevel(rows[row][col]))).Bold(true)
			}
			return cell
		}).
		String()
}

// writeMarkdown writes markdown raw or through glamour.
func (r *Renderer) writeMarkdown(w io.Writer, markdown string) error {
	if !r.opts.Styled {
		_, err := io.WriteString(w, markdown)
		return err
	}
	width := r.opts.Width
	if width < minWrapWidth {
		width = minWrapWidth
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("build markdown renderer: %w", err)
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	_, err = io.WriteString(w, rendered)
	return err
}

// riskColor maps a risk level to a 256-color code.
func riskColor(level domain.RiskLevel) color.Color {
	switch level {
	case domain.RiskHigh:
		return lipgloss.Color("196")
	case domain.RiskMedium:
		return lipgloss.Color("214")
	default:
		return lipgloss.Color("42")
	}
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func nonNilAnalyses(in []domain.RevisionRiskAnalysis) []domain.RevisionRiskAnalysis {
	if in == nil {
		return []domain.RevisionRiskAnalysis{}
	}
	return in
}

// escapeCell keeps pipes from breaking markdown tables.
func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
