package compression

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskloop/internal/model"
)

func entry(op, path string, obs model.Observation) model.TraceEntry {
	return model.TraceEntry{Action: model.NewAction(op, map[string]any{"path": path}), Observation: obs}
}

func syntheticTrace(n int) []model.TraceEntry {
	var out []model.TraceEntry
	for i := 0; i < n; i++ {
		out = append(out, entry("read_file", fmt.Sprintf("/p/f%d.go", i), model.Success(strings.Repeat("c", 500))))
	}
	return out
}

func TestTraceCompressor_PreservesTail(t *testing.T) {
	c := NewTraceCompressor(DefaultConfig())
	in := syntheticTrace(11)

	out, res := c.Compress(in, 0)
	require.Equal(t, OutcomeSummarized, res.Outcome)
	require.Len(t, out, 6)
	assert.True(t, out[0].IsSummary())
	assert.True(t, strings.HasPrefix(out[0].Summary, TraceSummaryHeader))
	assert.Equal(t, in[6:], out[1:])
}

func TestTraceCompressor_NeverDropsTailForAnyK(t *testing.T) {
	for tail := 0; tail < 10; tail++ {
		cfg := DefaultConfig()
		cfg.TraceTail = tail
		c := NewTraceCompressor(cfg)
		in := syntheticTrace(25)
		out, _ := c.Compress(in, 0)
		require.Len(t, out, tail+1, "tail=%d", tail)
		for i := 0; i < tail; i++ {
			assert.Equal(t, in[len(in)-tail+i].Action, out[1+i].Action)
		}
	}
}

func TestTraceCompressor_TailEqualToTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceTail = cfg.TraceTrigger
	require.NoError(t, cfg.Validate())

	in := syntheticTrace(cfg.TraceTrigger + 1)
	out, res := NewTraceCompressor(cfg).Compress(in, 0)
	require.True(t, res.Applied())
	require.Len(t, out, cfg.TraceTrigger+1)
	assert.True(t, out[0].IsSummary())
	for i := 1; i < len(out); i++ {
		assert.Equal(t, in[i].Action, out[i].Action)
	}
}

func TestTraceCompressor_UnderTriggerIsNoop(t *testing.T) {
	c := NewTraceCompressor(DefaultConfig())
	in := syntheticTrace(10)
	out, res := c.Compress(in, 0)
	assert.Equal(t, in, out)
	assert.False(t, res.Applied())
}

func TestTraceCompressor_TightensAboveSizeThreshold(t *testing.T) {
	c := NewTraceCompressor(DefaultConfig())
	in := syntheticTrace(6)

	_, res := c.Compress(in, 1000)
	assert.False(t, res.Applied())

	out, res := c.Compress(in, 40000)
	require.True(t, res.Applied())
	assert.True(t, res.Tight)
	assert.Len(t, out, 4)
}

func TestTraceCompressor_CapsPreservedObservations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ObservationCap = 100
	c := NewTraceCompressor(cfg)
	in := syntheticTrace(12)

	out, _ := c.Compress(in, 0)
	for _, e := range out[1:] {
		assert.True(t, strings.HasPrefix(e.Observation.Content, strings.Repeat("c", 100)))
		assert.Contains(t, e.Observation.Content, "[truncated 400 characters]")
		assert.Equal(t, 400, e.Truncated)
	}
	assert.Len(t, in[11].Observation.Content, 500, "input is not mutated")
}

func TestTraceCompressor_GroupsByOperation(t *testing.T) {
	in := []model.TraceEntry{
		entry("read_file", "/p/a", model.Success("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")),
		entry("write_to_file", "/p/b", model.Success("wrote")),
		entry("read_file", "/p/b", model.Failed(model.FailureNotFound, "no such file")),
		entry("read_file", "/p/a", model.Blocked(model.Feedback{Rule: model.RuleDeterministic})),
	}
	groups := Group(in)
	require.Len(t, groups, 2)
	assert.Equal(t, model.OpGroup{
		Operation: "read_file", Calls: 3, Succeeded: 1, Failed: 1, Blocked: 1,
		Targets: []string{"/p/a", "/p/b"}, LastFailure: "not_found: no such file",
	}, groups[0])
	assert.Equal(t, "write_to_file", groups[1].Operation)

	text := RenderGroups(groups, 4)
	assert.Contains(t, text, "4 earlier actions")
	assert.Contains(t, text, "read_file ×3 → 1 ok, 1 failed, 1 blocked; targets: /p/a, /p/b; last failure: not_found: no such file")
}

func TestTraceCompressor_FoldsPreviousSummary(t *testing.T) {
	c := NewTraceCompressor(DefaultConfig())
	out, _ := c.Compress(syntheticTrace(11), 0)
	out = append(out, syntheticTrace(6)...)

	out, res := c.Compress(out, 0)
	require.Equal(t, OutcomeSummarized, res.Outcome)
	assert.Contains(t, out[0].Summary, "12 earlier actions")
	require.Len(t, out[0].Groups, 1)
	assert.Equal(t, 12, out[0].Groups[0].Calls)
}

func TestTraceCompressor_FallsBackToTruncation(t *testing.T) {
	cfg := DefaultConfig()
	c := NewTraceCompressor(cfg)
	var in []model.TraceEntry
	for i := 0; i < 11; i++ {
		in = append(in, model.TraceEntry{
			Action:      model.NewAction(fmt.Sprintf("op%d", i), nil),
			Observation: model.Success(""),
		})
	}
	out, res := c.Compress(in, 0)
	assert.Equal(t, OutcomeTruncated, res.Outcome)
	assert.Equal(t, "[6 earlier actions truncated]", out[0].Summary)
	assert.Len(t, out, 6)
}

func TestCapObservation_Listing(t *testing.T) {
	var names []string
	for i := 0; i < 50; i++ {
		names = append(names, fmt.Sprintf("file%02d.go", i))
	}
	e := model.TraceEntry{Action: model.NewAction("list_files", nil), Observation: model.Listing(names)}
	capped := CapObservation(e, 55)
	assert.Len(t, capped.Observation.Entries, 6)
	assert.Equal(t, "[45 more entries]", capped.Observation.Entries[5])
	assert.Len(t, e.Observation.Entries, 50)
}

func TestCapObservation_CutsOnRuneBoundary(t *testing.T) {
	content := "a" + strings.Repeat("é", 1000)
	e := model.TraceEntry{Action: model.NewAction("read_file", nil), Observation: model.Success(content)}

	capped := CapObservation(e, 1000)
	require.True(t, utf8.ValidString(capped.Observation.Content))
	assert.True(t, strings.HasPrefix(capped.Observation.Content, "a"+strings.Repeat("é", 499)+"\n"))
	assert.Contains(t, capped.Observation.Content, "[truncated 1002 characters]")
	assert.Equal(t, 1002, capped.Truncated)

	g := Group([]model.TraceEntry{{
		Action:      model.NewAction("read_file", map[string]any{"path": strings.Repeat("ü", 100)}),
		Observation: model.Success("ok"),
	}})
	require.Len(t, g, 1)
	assert.True(t, utf8.ValidString(g[0].Targets[0]))
}

func TestService_Compress(t *testing.T) {
	svc, err := NewService(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	msgs, res := svc.CompressConversation(context.Background(), conversation(1, 60))
	assert.True(t, res.Applied())
	assert.Len(t, msgs, 12)

	entries, res := svc.CompressTrace(context.Background(), syntheticTrace(11), 0)
	assert.True(t, res.Applied())
	assert.Len(t, entries, 6)

	_, err = NewService(Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
