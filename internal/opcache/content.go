package opcache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
)

// RefPrefix starts every content reference.
const RefPrefix = "ref:"

// Ref is a content reference and the content it was created for.
type Ref struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ContentCache maps absolute file paths to content and owns the content
// references created for them.
type ContentCache struct {
	files map[string]string
	refs  map[string]Ref
	// byPath indexes refs by owning path for invalidation.
	byPath map[string]map[string]struct{}
}

// NewContentCache creates an empty content cache.
func NewContentCache() *ContentCache {
	return &ContentCache{
		files:  make(map[string]string),
		refs:   make(map[string]Ref),
		byPath: make(map[string]map[string]struct{}),
	}
}

// Get returns the cached content for path.
func (c *ContentCache) Get(path string) (string, bool) {
	s, ok := c.files[path]
	return s, ok
}

// Put stores content for path. Refs created for any previous content of the
// path are dropped when the content changes.
func (c *ContentCache) Put(path, content string) {
	if prev, ok := c.files[path]; ok && prev == content {
		return
	}
	c.dropRefs(path)
	c.files[path] = content
}

// Ref returns the reference for the content currently cached at path,
// creating it on first use.
func (c *ContentCache) Ref(path string) (string, bool) {
	content, ok := c.files[path]
	if !ok {
		return "", false
	}
	id := RefID(path, content)
	if _, exists := c.refs[id]; !exists {
		c.refs[id] = Ref{ID: id, Path: path, Content: content}
		if c.byPath[path] == nil {
			c.byPath[path] = make(map[string]struct{})
		}
		c.byPath[path][id] = struct{}{}
	}
	return id, true
}

// Resolve returns the reference id.
func (c *ContentCache) Resolve(id string) (Ref, bool) {
	r, ok := c.refs[id]
	return r, ok
}

// ValidRefs returns every resolvable reference id, sorted.
func (c *ContentCache) ValidRefs() []string {
	ids := make([]string, 0, len(c.refs))
	for id := range c.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invalidate drops path and everything beneath it.
func (c *ContentCache) Invalidate(path string) int {
	n := 0
	for p := range c.files {
		if within(p, path) {
			delete(c.files, p)
			c.dropRefs(p)
			n++
		}
	}
	return n
}

// Clear drops all content and references.
func (c *ContentCache) Clear() int {
	n := len(c.files)
	c.files = make(map[string]string)
	c.refs = make(map[string]Ref)
	c.byPath = make(map[string]map[string]struct{})
	return n
}

// Len returns the number of cached files.
func (c *ContentCache) Len() int { return len(c.files) }

func (c *ContentCache) dropRefs(path string) {
	for id := range c.byPath[path] {
		delete(c.refs, id)
	}
	delete(c.byPath, path)
}

// RefID derives the reference id for content stored at path. The hash
// covers the path as well, so equal content at two paths yields two refs
// with independent lifetimes.
func RefID(path, content string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return RefPrefix + filepath.Base(path) + ":" + hex.EncodeToString(h.Sum(nil))[:8]
}

// IsRef reports whether s looks like a content reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefPrefix) && strings.Count(s, ":") >= 2
}

// within reports whether p equals dir or lies beneath it.
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(p, dir)
	}
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}
