package guard

import (
	"path/filepath"
	"strings"
)

// Entry is an action recorded in the repetition window.
type Entry struct {
	Key       string `json:"key"`
	Operation string `json:"operation"`
}

// Record remembers a successful read-only action.
type Record struct {
	Key       string `json:"key"`
	Operation string `json:"operation"`
	Path      string `json:"path,omitempty"`
}

// State is the repetition state of one session. The session owns it and
// passes it to the guard on every call.
type State struct {
	// Window holds the most recent allowed actions, oldest first.
	Window []Entry `json:"window"`
	// Last is the most recent allowed action.
	Last *Entry `json:"last,omitempty"`
	// ConsecutiveBlocks counts contiguous blocked proposals.
	ConsecutiveBlocks int      `json:"consecutive_blocks"`
	TotalBlocks       int      `json:"total_blocks"`
	Successes         []Record `json:"successes,omitempty"`
}

// ResetEscalation clears the consecutive block counter.
func (s *State) ResetEscalation() { s.ConsecutiveBlocks = 0 }

func (s *State) record(operation, key string, size int) {
	e := Entry{Key: key, Operation: operation}
	s.Window = append(s.Window, e)
	if over := len(s.Window) - size; over > 0 {
		s.Window = append(s.Window[:0:0], s.Window[over:]...)
	}
	s.Last = &e
}

func (s *State) count(key string) int {
	n := 0
	for _, e := range s.Window {
		if e.Key == key {
			n++
		}
	}
	return n
}

func (s *State) findSuccess(key string) (Record, bool) {
	for _, r := range s.Successes {
		if r.Key == key {
			return r, true
		}
	}
	return Record{}, false
}

func (s *State) addSuccess(r Record, limit int) {
	if _, ok := s.findSuccess(r.Key); ok {
		return
	}
	s.Successes = append(s.Successes, r)
	if over := len(s.Successes) - limit; over > 0 {
		s.Successes = append(s.Successes[:0:0], s.Successes[over:]...)
	}
}

// forgetPath drops records that read path, an ancestor of it, or
// something beneath it. Records without a path are dropped as well since
// their dependency is unknown.
func (s *State) forgetPath(path string) {
	if len(s.Successes) == 0 {
		return
	}
	kept := s.Successes[:0]
	for _, r := range s.Successes {
		if path == "" || r.Path == "" || related(r.Path, path) {
			continue
		}
		kept = append(kept, r)
	}
	s.Successes = kept
}

func related(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || under(a, b) || under(b, a)
}

func under(p, dir string) bool {
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(p, dir)
	}
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}
