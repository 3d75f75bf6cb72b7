package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/propserve/propserve/internal/client"
)

// ─── Round Reporter ─────────────────────────────────────────────────────────
// One status line, rewritten after every polling round:
//   [=========>..........]  45% | 9/20 done | round 3 | 14s

const barWidth = 20

type roundReporter struct {
	started time.Time
	total   int
}

func newRoundReporter(total int) *roundReporter {
	return &roundReporter{started: time.Now(), total: total}
}

func (p *roundReporter) report(r client.Round) {
	total := r.Total
	if total == 0 {
		total = p.total
	}
	pct := 100.0
	if total > 0 {
		pct = float64(r.Finished) / float64(total) * 100
	}

	clearLine()
	fmt.Fprintf(os.Stderr, "  %s %3.0f%% | %d/%d done | round %d | %s",
		renderBar(pct), pct, r.Finished, total, r.N, formatElapsed(time.Since(p.started)))
}

func renderBar(pct float64) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(barWidth))
	empty := barWidth - filled

	switch {
	case filled == barWidth:
		return "[" + strings.Repeat("=", filled) + "]"
	case filled > 0:
		return "[" + strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty) + "]"
	default:
		return "[" + strings.Repeat(".", barWidth) + "]"
	}
}

func formatElapsed(d time.Duration) string {
	s := int(d.Seconds())
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm%ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
}

func clearLine() {
	fmt.Fprintf(os.Stderr, "\r\033[K")
}
