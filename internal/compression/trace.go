package compression

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

const maxGroupTargets = 5

// TraceCompressor folds older action trace entries into one grouped
// summary entry.
type TraceCompressor struct {
	cfg Config
}

// NewTraceCompressor creates a trace compressor.
func NewTraceCompressor(cfg Config) *TraceCompressor {
	return &TraceCompressor{cfg: cfg}
}

// Limits returns the trigger and tail in effect for a context of
// contextSize characters, and whether the tight limits apply.
func (c *TraceCompressor) Limits(contextSize int) (trigger, tail int, tight bool) {
	if contextSize > c.cfg.SizeThreshold {
		return c.cfg.TraceTightTrigger, c.cfg.TraceTightTail, true
	}
	return c.cfg.TraceTrigger, c.cfg.TraceTail, false
}

// Compress returns entries unchanged while there are at most trigger of
// them. Otherwise everything but the last tail entries is replaced by one
// summary entry, and the preserved observations are capped. The last tail
// entries are always kept.
func (c *TraceCompressor) Compress(entries []model.TraceEntry, contextSize int) ([]model.TraceEntry, Result) {
	trigger, tail, tight := c.Limits(contextSize)
	res := Result{Outcome: OutcomeSkipped, Before: len(entries), After: len(entries), Tight: tight}
	if len(entries) <= trigger {
		return entries, res
	}

	older := entries[:len(entries)-tail]
	recent := entries[len(entries)-tail:]
	for _, e := range older {
		res.SpanSize += e.Size()
	}

	groups := Group(older)
	summary := RenderGroups(groups, countActions(older))
	var head model.TraceEntry
	if reduction(res.SpanSize, len(summary)) < c.cfg.MinReduction {
		res.Outcome = OutcomeTruncated
		res.Reason = fmt.Sprintf("grouped summary saved %.0f%%, below %.0f%%",
			100*reduction(res.SpanSize, len(summary)), 100*c.cfg.MinReduction)
		head = model.TraceEntry{Summary: fmt.Sprintf("[%d earlier actions truncated]", countActions(older))}
	} else {
		res.Outcome = OutcomeSummarized
		head = model.TraceEntry{Summary: summary, Groups: groups}
	}
	res.SummarySize = len(head.Summary)

	out := make([]model.TraceEntry, 0, 1+len(recent))
	out = append(out, head)
	for _, e := range recent {
		out = append(out, CapObservation(e, c.cfg.ObservationCap))
	}
	res.After = len(out)
	return out, res
}

// Group tallies entries by operation in first-seen order. Groups carried by
// earlier summary entries are merged in.
func Group(entries []model.TraceEntry) []model.OpGroup {
	var order []string
	byOp := make(map[string]*model.OpGroup)
	get := func(op string) *model.OpGroup {
		g, ok := byOp[op]
		if !ok {
			g = &model.OpGroup{Operation: op}
			byOp[op] = g
			order = append(order, op)
		}
		return g
	}

	for _, e := range entries {
		if e.IsSummary() {
			for _, prev := range e.Groups {
				g := get(prev.Operation)
				g.Calls += prev.Calls
				g.Succeeded += prev.Succeeded
				g.Failed += prev.Failed
				g.Blocked += prev.Blocked
				g.Cached += prev.Cached
				for _, t := range prev.Targets {
					addTarget(g, t)
				}
				if prev.LastFailure != "" {
					g.LastFailure = prev.LastFailure
				}
			}
			continue
		}

		g := get(e.Action.Name)
		g.Calls++
		switch e.Observation.Status {
		case model.StatusSuccess:
			g.Succeeded++
			if e.Observation.Cached {
				g.Cached++
			}
		case model.StatusBlocked:
			g.Blocked++
		default:
			g.Failed++
			if e.Observation.Failure != nil {
				g.LastFailure = truncate(e.Observation.Failure.Error(), 160)
			}
		}
		if t := target(e.Action); t != "" {
			addTarget(g, t)
		}
	}

	out := make([]model.OpGroup, 0, len(order))
	for _, op := range order {
		out = append(out, *byOp[op])
	}
	return out
}

// RenderGroups renders the summary text for groups covering total calls.
func RenderGroups(groups []model.OpGroup, total int) string {
	var sb strings.Builder
	sb.WriteString(TraceSummaryHeader)
	fmt.Fprintf(&sb, "\n%d earlier actions:", total)
	for _, g := range groups {
		fmt.Fprintf(&sb, "\n- %s ×%d → %d ok", g.Operation, g.Calls, g.Succeeded)
		if g.Cached > 0 {
			fmt.Fprintf(&sb, " (%d cached)", g.Cached)
		}
		if g.Failed > 0 {
			fmt.Fprintf(&sb, ", %d failed", g.Failed)
		}
		if g.Blocked > 0 {
			fmt.Fprintf(&sb, ", %d blocked", g.Blocked)
		}
		if len(g.Targets) > 0 {
			fmt.Fprintf(&sb, "; targets: %s", strings.Join(g.Targets, ", "))
		}
		if g.LastFailure != "" {
			fmt.Fprintf(&sb, "; last failure: %s", g.LastFailure)
		}
	}
	return sb.String()
}

// CapObservation truncates the observation of e to limit characters.
func CapObservation(e model.TraceEntry, limit int) model.TraceEntry {
	if e.IsSummary() || limit <= 0 {
		return e
	}
	obs := e.Observation
	if n := len(obs.Content); n > limit {
		kept := model.Clip(obs.Content, limit)
		obs.Content = kept + fmt.Sprintf("\n[truncated %d characters]", n-len(kept))
		e.Truncated += n - len(kept)
	}
	total := 0
	for _, name := range obs.Entries {
		total += len(name) + 1
	}
	if total > limit {
		size, keep := 0, 0
		for _, name := range obs.Entries {
			if size+len(name)+1 > limit {
				break
			}
			size += len(name) + 1
			keep++
		}
		entries := append([]string(nil), obs.Entries[:keep]...)
		obs.Entries = append(entries, fmt.Sprintf("[%d more entries]", len(obs.Entries)-keep))
		e.Truncated += total - size
	}
	e.Observation = obs
	return e
}

func countActions(entries []model.TraceEntry) int {
	n := 0
	for _, e := range entries {
		if e.IsSummary() {
			for _, g := range e.Groups {
				n += g.Calls
			}
			continue
		}
		n++
	}
	return n
}

func target(a model.Action) string {
	for _, k := range []string{"path", "command", "regex", "description"} {
		if v := a.StringArg(k); v != "" {
			return truncate(v, 80)
		}
	}
	return ""
}

func addTarget(g *model.OpGroup, t string) {
	for _, existing := range g.Targets {
		if existing == t {
			return
		}
	}
	if len(g.Targets) < maxGroupTargets {
		g.Targets = append(g.Targets, t)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return model.Clip(s, n) + "…"
}
