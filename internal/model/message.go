package model

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TraceEntry pairs an action with its observation. Summary entries produced
// by trace compression carry Summary text and no action.
type TraceEntry struct {
	Action      Action      `json:"action"`
	Observation Observation `json:"observation"`
	Summary     string      `json:"summary,omitempty"`
	// Groups holds the per-operation tallies a summary entry was rendered
	// from, so later compressions can fold them without reparsing text.
	Groups []OpGroup `json:"groups,omitempty"`
	// Truncated is the number of characters cut from the observation content.
	Truncated int `json:"truncated,omitempty"`
}

// IsSummary reports whether the entry stands in for compressed history.
func (e TraceEntry) IsSummary() bool { return e.Summary != "" }

// Size approximates the entry's contribution to the running context.
func (e TraceEntry) Size() int {
	if e.IsSummary() {
		return len(e.Summary)
	}
	return len(e.Action.Key()) + e.Observation.Size()
}

// OpGroup tallies summarized calls to one operation.
type OpGroup struct {
	Operation   string   `json:"operation"`
	Calls       int      `json:"calls"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	Blocked     int      `json:"blocked"`
	Cached      int      `json:"cached"`
	Targets     []string `json:"targets,omitempty"`
	LastFailure string   `json:"last_failure,omitempty"`
}
