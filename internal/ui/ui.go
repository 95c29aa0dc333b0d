// Package ui renders knock reports, verdicts and status tables for the
// terminal.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/JedizLaPulga/knockdoor/internal/checker"
	"github.com/JedizLaPulga/knockdoor/internal/config"
	"github.com/JedizLaPulga/knockdoor/internal/portknock"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// FormatError returns a styled multi-line error message.
func FormatError(title, detail, suggestion string) string {
	out := errorStyle.Render("Error: "+title) + "\n"
	if detail != "" {
		out += "  " + detail + "\n"
	}
	if suggestion != "" {
		out += "  " + hintStyle.Render("Hint: "+suggestion) + "\n"
	}
	return out
}

// Success writes a green line.
func Success(w io.Writer, msg string) {
	fmt.Fprintln(w, successStyle.Render(msg))
}

// Bold renders text in bold.
func Bold(s string) string { return boldStyle.Render(s) }

// Hint renders text in dim italic.
func Hint(s string) string { return hintStyle.Render(s) }

// StatusIcon returns the marker used for a board status.
func StatusIcon(s checker.Status) string {
	switch s {
	case checker.StatusReachable:
		return successStyle.Render("●")
	case checker.StatusUnreachable:
		return errorStyle.Render("●")
	default:
		return dimStyle.Render("○")
	}
}

func verdictText(o checker.Outcome) string {
	switch o.Verdict {
	case checker.VerdictReachable:
		return successStyle.Render("✓ reachable")
	case checker.VerdictUnreachable:
		return errorStyle.Render("✗ unreachable")
	default:
		return errorStyle.Render("✗ failed")
	}
}

// FormatOutcome renders a single verdict line.
func FormatOutcome(o checker.Outcome) string {
	line := fmt.Sprintf("%s  %s", Bold(o.Service), verdictText(o))

	var detail []string
	if o.Probe.Attempts > 0 {
		detail = append(detail, fmt.Sprintf("%d probe attempts", o.Probe.Attempts))
	}
	if o.Knocks != nil {
		detail = append(detail, fmt.Sprintf("%d/%d knocks sent", o.Knocks.Sent(), len(o.Knocks.Results)))
	}
	detail = append(detail, o.Duration.Round(time.Millisecond).String())
	line += " " + dimStyle.Render("("+strings.Join(detail, ", ")+")")

	if reason := o.Reason(); reason != "" {
		line += "\n  " + hintStyle.Render(reason)
	}
	return line
}

// FormatReport renders a knock report as a table, one row per sequence
// entry.
func FormatReport(r *portknock.Report) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder

	var specs []portknock.PortSpec
	for _, kr := range r.Results {
		if kr.State != portknock.StateSkipped {
			specs = append(specs, kr.Spec)
		}
	}
	sb.WriteString(fmt.Sprintf("PORT KNOCK %s\n", r.Addr))
	sb.WriteString(fmt.Sprintf("Sequence: %s\n", portknock.FormatSequence(specs)))
	sb.WriteString(fmt.Sprintf("Total time: %v\n", r.Duration.Round(time.Millisecond)))

	rows := make([][]string, 0, len(r.Results))
	for _, kr := range r.Results {
		icon := successStyle.Render("✓")
		port := kr.Spec.String()
		switch kr.State {
		case portknock.StateSkipped:
			icon = warnStyle.Render("-")
			port = kr.Token
		case portknock.StateError:
			icon = errorStyle.Render("✗")
		}
		rows = append(rows, []string{
			icon,
			fmt.Sprintf("%d", kr.Seq),
			port,
			kr.Outcome(),
			kr.Duration.Round(time.Microsecond).String(),
		})
	}
	sb.WriteString(FormatTable([]string{"", "SEQ", "PORT", "STATE", "TIME"}, rows))
	return sb.String()
}

// FormatTable renders rows under headers with a rounded border.
func FormatTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render() + "\n"
}

// StatusTable renders the board. Services are listed in the given order;
// names not on the board show as unknown.
func StatusTable(names []string, snapshot map[string]checker.Status) string {
	if len(names) == 0 {
		for name := range snapshot {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		st := snapshot[name]
		rows = append(rows, []string{StatusIcon(st), name, st.String()})
	}
	return FormatTable([]string{"", "SERVICE", "STATUS"}, rows)
}

// PhaseLine renders an in-progress marker for a running check.
func PhaseLine(service string, phase checker.Phase) string {
	return fmt.Sprintf("  %s %s %s", dimStyle.Render("..."), service, dimStyle.Render(phase.String()))
}

// FormatIssues renders validation findings, errors before warnings.
func FormatIssues(issues config.Issues) string {
	var errs, warns []string
	for _, is := range issues {
		if is.Warning {
			warns = append(warns, fmt.Sprintf("  %s %s", warnStyle.Render("WARN"), is.Error()))
		} else {
			errs = append(errs, fmt.Sprintf("  %s %s", errorStyle.Render("ERR "), is.Error()))
		}
	}
	return strings.Join(append(errs, warns...), "\n")
}

// ValidationOK renders a passing service line.
func ValidationOK(name, detail string) string {
	return fmt.Sprintf("  %s %s: %s", successStyle.Render("OK  "), name, detail)
}
