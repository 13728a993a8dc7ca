package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Action is a named request to perform one external operation.
//
// Args is an unordered mapping; two actions are equal when their names and
// argument mappings are structurally equal, independent of insertion order.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// NewAction builds an action, copying args so later caller mutations do not
// leak into recorded history.
func NewAction(name string, args map[string]any) Action {
	return Action{Name: name, Args: cloneArgs(args)}
}

// Key returns the canonical identity of the action. encoding/json writes map
// keys in sorted order, so the key is order independent at every nesting level.
func (a Action) Key() string {
	if len(a.Args) == 0 {
		return a.Name + "{}"
	}
	b, err := json.Marshal(a.Args)
	if err != nil {
		// Unmarshalable values (channels, funcs) never come from a decoded
		// reasoning response; fall back to a stable printed form.
		return a.Name + fallbackKey(a.Args)
	}
	return a.Name + string(b)
}

// Equal reports structural equality of name and arguments.
func (a Action) Equal(other Action) bool {
	return a.Name == other.Name && a.Key() == other.Key()
}

// String returns a short human readable form used in logs and summaries.
func (a Action) String() string {
	if len(a.Args) == 0 {
		return a.Name + "()"
	}
	keys := sortedKeys(a.Args)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, shortValue(a.Args[k])))
	}
	return a.Name + "(" + strings.Join(parts, ", ") + ")"
}

// StringArg returns the string argument name, or "" when absent or not a string.
func (a Action) StringArg(name string) string {
	v, ok := a.Args[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// BoolArg returns the boolean argument name. String forms "true"/"false" are
// accepted since reasoning engines are loose about JSON types.
func (a Action) BoolArg(name string) bool {
	switch v := a.Args[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// WithArg returns a copy of the action with name set to value.
func (a Action) WithArg(name string, value any) Action {
	out := Action{Name: a.Name, Args: cloneArgs(a.Args)}
	if out.Args == nil {
		out.Args = make(map[string]any, 1)
	}
	out.Args[name] = value
	return out
}

// WithoutArg returns a copy of the action with name removed.
func (a Action) WithoutArg(name string) Action {
	out := Action{Name: a.Name, Args: cloneArgs(a.Args)}
	delete(out.Args, name)
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fallbackKey(args map[string]any) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range sortedKeys(args) {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%q:%v", k, args[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func shortValue(v any) string {
	s, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
	if len(s) > 60 {
		return fmt.Sprintf("%q…(%d chars)", Clip(s, 57), len(s))
	}
	return fmt.Sprintf("%q", s)
}
