package opcache

import (
	"path/filepath"
	"sort"
	"strings"
)

// Ignorer reports whether a path relative to the root is hidden from
// listings.
type Ignorer interface {
	Ignored(rel string, isDir bool) bool
}

// DirectoryCache holds the project tree as dir -> child entries.
// Sub-directory entries carry a trailing slash.
type DirectoryCache struct {
	root   string
	loaded bool
	nodes  map[string][]string
	ignore Ignorer
}

// NewDirectoryCache creates an empty tree rooted at root.
func NewDirectoryCache(root string) *DirectoryCache {
	return &DirectoryCache{root: filepath.Clean(root), nodes: make(map[string][]string)}
}

// Root returns the scanned root.
func (d *DirectoryCache) Root() string { return d.root }

// Loaded reports whether a full scan has been loaded.
func (d *DirectoryCache) Loaded() bool { return d.loaded }

// Load replaces the tree with a recursive listing of the root. Entries are
// slash-separated paths relative to the root, directories ending in "/".
func (d *DirectoryCache) Load(entries []string) {
	d.nodes = map[string][]string{d.root: {}}
	for _, e := range entries {
		isDir := strings.HasSuffix(e, "/")
		rel := strings.TrimSuffix(e, "/")
		if rel == "" || rel == "." {
			continue
		}
		abs := filepath.Join(d.root, filepath.FromSlash(rel))
		d.insert(abs, isDir)
	}
	d.loaded = true
}

// Listing answers a listing request from the tree. It returns false when
// the tree is not loaded or dir is not a known directory.
func (d *DirectoryCache) Listing(dir string, recursive bool) ([]string, bool) {
	if !d.loaded {
		return nil, false
	}
	dir = filepath.Clean(dir)
	children, ok := d.nodes[dir]
	if !ok {
		return nil, false
	}
	if !recursive {
		return append([]string{}, children...), true
	}
	var out []string
	d.walk(dir, "", &out)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out, true
}

func (d *DirectoryCache) walk(dir, prefix string, out *[]string) {
	for _, name := range d.nodes[dir] {
		*out = append(*out, prefix+name)
		if strings.HasSuffix(name, "/") {
			sub := strings.TrimSuffix(name, "/")
			d.walk(filepath.Join(dir, sub), prefix+name, out)
		}
	}
}

// Add records a created file or directory under its parent. Missing
// ancestors between the root and the parent are added as directories.
// Paths outside the root, paths a scan would skip and calls on an unloaded
// tree are ignored.
func (d *DirectoryCache) Add(path string, isDir bool) bool {
	if !d.loaded {
		return false
	}
	path = filepath.Clean(path)
	if path == d.root || !within(path, d.root) || d.hidden(path, isDir) {
		return false
	}
	d.insert(path, isDir)
	return true
}

// hidden applies the ignore rules to path and each of its ancestors.
func (d *DirectoryCache) hidden(path string, isDir bool) bool {
	if d.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := range parts {
		last := i == len(parts)-1
		if d.ignore.Ignored(strings.Join(parts[:i+1], "/"), isDir || !last) {
			return true
		}
	}
	return false
}

func (d *DirectoryCache) insert(path string, isDir bool) {
	parent := filepath.Dir(path)
	if _, ok := d.nodes[parent]; !ok && parent != d.root && within(parent, d.root) {
		d.insert(parent, true)
	}
	name := filepath.Base(path)
	if isDir {
		name += "/"
		if _, ok := d.nodes[path]; !ok {
			d.nodes[path] = []string{}
		}
	}
	d.nodes[parent] = insertSorted(d.nodes[parent], name)
}

// Remove drops a deleted path from its parent and forgets any subtree.
func (d *DirectoryCache) Remove(path string) bool {
	if !d.loaded {
		return false
	}
	path = filepath.Clean(path)
	if path == d.root {
		d.Invalidate()
		return true
	}
	parent := filepath.Dir(path)
	name := filepath.Base(path)
	d.nodes[parent] = removeName(d.nodes[parent], name)
	d.nodes[parent] = removeName(d.nodes[parent], name+"/")
	for p := range d.nodes {
		if within(p, path) {
			delete(d.nodes, p)
		}
	}
	return true
}

// Invalidate forgets the whole tree; the next listing rescans.
func (d *DirectoryCache) Invalidate() {
	d.loaded = false
	d.nodes = make(map[string][]string)
}

// Nodes returns a copy of the tree for snapshots.
func (d *DirectoryCache) Nodes() map[string][]string {
	out := make(map[string][]string, len(d.nodes))
	for k, v := range d.nodes {
		out[k] = append([]string{}, v...)
	}
	return out
}

func (d *DirectoryCache) restore(loaded bool, nodes map[string][]string) {
	d.loaded = loaded
	d.nodes = make(map[string][]string, len(nodes))
	for k, v := range nodes {
		d.nodes[k] = append([]string{}, v...)
	}
}

func insertSorted(list []string, name string) []string {
	i := sort.SearchStrings(list, name)
	if i < len(list) && list[i] == name {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = name
	return list
}

func removeName(list []string, name string) []string {
	i := sort.SearchStrings(list, name)
	if i < len(list) && list[i] == name {
		return append(list[:i], list[i+1:]...)
	}
	return list
}
