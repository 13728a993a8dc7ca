package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
)

type planReply struct {
	Plan []string `json:"plan"`
}

type actionReply struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type stepReply struct {
	Thought string       `json:"thought"`
	Action  *actionReply `json:"action"`
	Signal  string       `json:"signal"`
	Reason  string       `json:"reason"`
}

type replanReply struct {
	Verdict string   `json:"verdict"`
	Plan    []string `json:"plan"`
	Reason  string   `json:"reason"`
}

// extractJSON returns the outermost JSON value in text, skipping code
// fences and surrounding prose.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON value in reply", orchestrator.ErrMalformedOutput)
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return "", fmt.Errorf("%w: unterminated JSON value", orchestrator.ErrMalformedOutput)
	}
	return text[start : end+1], nil
}

func decode(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrMalformedOutput, err)
	}
	return nil
}

// parsePlan accepts {"plan": [...]} or a bare array.
func parsePlan(text string) ([]string, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var steps []string
	if strings.HasPrefix(raw, "[") {
		err = json.Unmarshal([]byte(raw), &steps)
	} else {
		var r planReply
		err = json.Unmarshal([]byte(raw), &r)
		steps = r.Plan
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrMalformedOutput, err)
	}
	var out []string
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty plan", orchestrator.ErrMalformedOutput)
	}
	return out, nil
}

func parseDecision(text string) (orchestrator.Decision, error) {
	var r stepReply
	if err := decode(text, &r); err != nil {
		return orchestrator.Decision{}, err
	}
	dec := orchestrator.Decision{
		Thought: strings.TrimSpace(r.Thought),
		Signal:  orchestrator.Signal(strings.ToLower(strings.TrimSpace(r.Signal))),
		Reason:  r.Reason,
	}
	switch dec.Signal {
	case orchestrator.SignalNone, orchestrator.SignalFinished, orchestrator.SignalReplan,
		orchestrator.SignalComplete, orchestrator.SignalFail:
	default:
		return orchestrator.Decision{}, fmt.Errorf("%w: unknown signal %q", orchestrator.ErrMalformedOutput, r.Signal)
	}
	if dec.Signal != orchestrator.SignalNone {
		return dec, nil
	}
	if r.Action == nil || strings.TrimSpace(r.Action.Name) == "" {
		return orchestrator.Decision{}, fmt.Errorf("%w: reply has neither an action nor a signal", orchestrator.ErrMalformedOutput)
	}
	a := model.NewAction(strings.TrimSpace(r.Action.Name), r.Action.Args)
	dec.Action = &a
	return dec, nil
}

func parseVerdict(text string) (orchestrator.Verdict, error) {
	var r replanReply
	if err := decode(text, &r); err != nil {
		return orchestrator.Verdict{}, err
	}
	v := orchestrator.Verdict{
		Kind:   orchestrator.VerdictKind(strings.ToLower(strings.TrimSpace(r.Verdict))),
		Plan:   r.Plan,
		Reason: r.Reason,
	}
	switch v.Kind {
	case orchestrator.VerdictComplete, orchestrator.VerdictFail, orchestrator.VerdictRevise:
		return v, nil
	}
	return orchestrator.Verdict{}, fmt.Errorf("%w: unknown verdict %q", orchestrator.ErrMalformedOutput, r.Verdict)
}
