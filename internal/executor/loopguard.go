package executor

import "github.com/msageha/foreman/internal/model"

// loopGuard detects a worker stuck repeating the same tool call. It keeps a
// sliding window of recent tool-call signatures and trips when one signature
// fills the window up to the threshold.
type loopGuard struct {
	enabled   bool
	window    int
	threshold int
	recent    []string
}

func newLoopGuard(cfg model.ExecutorConfig) *loopGuard {
	return &loopGuard{
		enabled:   cfg.LoopGuardEnabled,
		window:    cfg.LoopGuardWindow,
		threshold: cfg.LoopGuardThreshold,
	}
}

// observe records one tool-call signature and reports how many times it now
// appears in the window, plus whether that count trips the guard. Disabled
// guards never trip.
func (g *loopGuard) observe(sig string) (int, bool) {
	if !g.enabled || g.window <= 0 || g.threshold <= 0 {
		return 0, false
	}

	g.recent = append(g.recent, sig)
	if len(g.recent) > g.window {
		g.recent = g.recent[1:]
	}

	count := 0
	for _, s := range g.recent {
		if s == sig {
			count++
		}
	}
	return count, count >= g.threshold
}
