package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/ledger"
)

// maxTailLines bounds the live output shown while a sequence runs.
const maxTailLines = 200

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
)

// runView renders the live state of one sequence: which invocation is
// active, the engine output tail, and the per-run results so far.
type runView struct {
	sequenceID string
	current    string
	index      int
	total      int
	tail       []string
	partial    string
	results    []runResult
	finished   bool
}

type runResult struct {
	url    string
	lang   string
	status ledger.Status
	reason string
}

func newRunView(sequenceID string) *runView {
	return &runView{sequenceID: sequenceID}
}

// apply folds one bus event into the view state.
func (v *runView) apply(ev events.Event) {
	switch ev.Kind {
	case events.KindSequenceStarted:
		v.total = ev.Total
	case events.KindInvocationStarted:
		v.current = fmt.Sprintf("%s (%s)", ev.URL, ev.Lang)
		v.index = ev.Index
		v.total = ev.Total
		v.tail = v.tail[:0]
		v.partial = ""
	case events.KindOutputChunk:
		v.appendChunk(ev.Chunk)
	case events.KindInvocationCompleted:
		if ev.Err != "" {
			v.results = append(v.results, runResult{
				url: ev.URL, lang: ev.Lang, status: ledger.StatusFailed, reason: ev.Err,
			})
		}
	case events.KindRunRecorded:
		if ev.Entry == nil {
			return
		}
		// A completion event with a failure reason already added this
		// run; replace it so the recorded status wins.
		if n := len(v.results); n > 0 && v.results[n-1].url == ev.URL && v.results[n-1].lang == ev.Lang {
			v.results[n-1].status = ev.Entry.Status
			return
		}
		v.results = append(v.results, runResult{
			url: ev.URL, lang: ev.Lang, status: ev.Entry.Status,
		})
	case events.KindSequenceFinished:
		v.finished = true
		v.current = ""
	}
}

// appendChunk splits streamed output into lines, keeping an unfinished
// trailing line as partial until its newline arrives.
func (v *runView) appendChunk(chunk []byte) {
	text := v.partial + string(chunk)
	lines := strings.Split(text, "\n")
	v.partial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	v.tail = append(v.tail, lines...)
	if len(v.tail) > maxTailLines {
		v.tail = v.tail[len(v.tail)-maxTailLines:]
	}
}

func (v *runView) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("⬡ AUDIT SEQUENCE") + "\n\n")

	if v.finished {
		b.WriteString(okStyle.Render("sequence finished") + "\n")
	} else if v.current != "" {
		b.WriteString(fmt.Sprintf("running %d/%d: %s\n", v.index, v.total, v.current))
	} else {
		b.WriteString(dimStyle.Render("starting...") + "\n")
	}
	b.WriteString("\n")

	for _, res := range v.results {
		b.WriteString(fmt.Sprintf("  %s %s (%s)", styledStatus(res.status), res.url, res.lang))
		if res.reason != "" {
			b.WriteString(dimStyle.Render("  " + res.reason))
		}
		b.WriteString("\n")
	}

	if !v.finished && len(v.tail) > 0 {
		b.WriteString("\n" + dimStyle.Render(strings.Repeat("─", 60)) + "\n")
		start := 0
		if len(v.tail) > 12 {
			start = len(v.tail) - 12
		}
		for _, line := range v.tail[start:] {
			b.WriteString(dimStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n")
	if v.finished {
		b.WriteString(helpStyle.Render("enter: back to campaigns"))
	} else {
		b.WriteString(helpStyle.Render("c: cancel sequence"))
	}
	return b.String()
}

func styledStatus(status ledger.Status) string {
	switch status {
	case ledger.StatusSuccess:
		return okStyle.Render("✓ " + string(status))
	case ledger.StatusWarning:
		return warnStyle.Render("! " + string(status))
	case ledger.StatusCanceled:
		return dimStyle.Render("○ " + string(status))
	default:
		return failStyle.Render("✗ " + string(status))
	}
}
