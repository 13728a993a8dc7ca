package opcache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/model"
	"github.com/fyrsmithlabs/taskloop/internal/tools"
)

// Executor runs an action through the tool collaborator.
type Executor interface {
	Execute(ctx context.Context, action model.Action) model.Observation
}

// Config controls which caches are active and how cache-driven tool calls
// are issued.
type Config struct {
	// Root is the absolute project root scanned on the first listing.
	Root             string
	ContentEnabled   bool
	DirectoryEnabled bool
	// ReadOperation re-reads a file after a successful patch.
	ReadOperation string
	// ListOperation performs the recursive root scan.
	ListOperation string
	// ContentRefArg is the argument through which actions pass a reference.
	ContentRefArg string
	// InvalidateContentOnCommand also clears the content cache on command
	// execution, since commands may rewrite files.
	InvalidateContentOnCommand bool
	// Ignore keeps written paths out of the tree when the listing tool
	// would skip them.
	Ignore Ignorer
}

// DefaultConfig returns the defaults for a project root.
func DefaultConfig(root string) Config {
	return Config{
		Root:                       root,
		ContentEnabled:             true,
		DirectoryEnabled:           true,
		ReadOperation:              tools.ReadFile,
		ListOperation:              tools.ListFiles,
		ContentRefArg:              "content_ref",
		InvalidateContentOnCommand: true,
	}
}

// Stats counts cache activity over the session.
type Stats struct {
	ContentHits   int `json:"content_hits"`
	ContentMisses int `json:"content_misses"`
	ListingHits   int `json:"listing_hits"`
	ListingMisses int `json:"listing_misses"`
	Scans         int `json:"scans"`
	Invalidations int `json:"invalidations"`
	RefsResolved  int `json:"refs_resolved"`
}

// Cache is the session's operation cache.
type Cache struct {
	cfg     Config
	content *ContentCache
	dirs    *DirectoryCache
	stats   Stats
	logger  *zap.Logger
}

// New creates a cache for cfg.Root.
func New(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentRefArg == "" {
		cfg.ContentRefArg = "content_ref"
	}
	dirs := NewDirectoryCache(cfg.Root)
	dirs.ignore = cfg.Ignore
	return &Cache{
		cfg:     cfg,
		content: NewContentCache(),
		dirs:    dirs,
		logger:  logger,
	}
}

// Content exposes the content cache.
func (c *Cache) Content() *ContentCache { return c.content }

// Directories exposes the directory cache.
func (c *Cache) Directories() *DirectoryCache { return c.dirs }

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats { return c.stats }

// ResolveRefs replaces a content reference argument with the content it
// refers to. A reference takes precedence over inline content. An
// unresolvable reference yields a cache inconsistency failure naming the
// reference and listing the ones that do resolve.
func (c *Cache) ResolveRefs(action model.Action) (model.Action, *model.Failure) {
	id := action.StringArg(c.cfg.ContentRefArg)
	if id == "" {
		return action, nil
	}
	ref, ok := c.content.Resolve(id)
	if !ok {
		valid := c.content.ValidRefs()
		msg := fmt.Sprintf("%v: %s", ErrUnknownRef, id)
		if len(valid) == 0 {
			msg += "; no content references are currently valid, read the file again"
		} else {
			msg += "; valid references: " + strings.Join(valid, ", ")
		}
		return action, &model.Failure{Kind: model.FailureCacheInconsistency, Message: msg, ValidRefs: valid}
	}
	c.stats.RefsResolved++
	return action.WithoutArg(c.cfg.ContentRefArg).WithArg("content", ref.Content), nil
}

// Lookup serves the action from cache when possible. For listing
// operations the first request triggers a recursive scan of the root
// through exec; the request that triggered the scan is answered from the
// fresh tree but is not marked cached.
func (c *Cache) Lookup(ctx context.Context, action model.Action, spec tools.Spec, exec Executor) (model.Observation, bool) {
	path, ok := c.path(action, spec)
	if !ok {
		return model.Observation{}, false
	}

	switch spec.Kind {
	case tools.KindRead:
		if !c.cfg.ContentEnabled {
			return model.Observation{}, false
		}
		content, hit := c.content.Get(path)
		if !hit {
			c.stats.ContentMisses++
			return model.Observation{}, false
		}
		c.stats.ContentHits++
		obs := model.Success(content)
		obs.Cached = true
		obs.ContentRef, _ = c.content.Ref(path)
		return obs, true

	case tools.KindList:
		if !c.cfg.DirectoryEnabled || !within(path, c.dirs.Root()) {
			return model.Observation{}, false
		}
		scanned := false
		if !c.dirs.Loaded() {
			if !c.scan(ctx, exec) {
				c.stats.ListingMisses++
				return model.Observation{}, false
			}
			scanned = true
		}
		entries, hit := c.dirs.Listing(path, action.BoolArg("recursive"))
		if !hit {
			c.stats.ListingMisses++
			return model.Observation{}, false
		}
		obs := model.Listing(entries)
		if !scanned {
			c.stats.ListingHits++
			obs.Cached = true
		}
		return obs, true
	}
	return model.Observation{}, false
}

func (c *Cache) scan(ctx context.Context, exec Executor) bool {
	if exec == nil {
		return false
	}
	scan := model.NewAction(c.cfg.ListOperation, map[string]any{"path": c.dirs.Root(), "recursive": true})
	obs := exec.Execute(ctx, scan)
	c.stats.Scans++
	if !obs.OK() {
		c.logger.Debug("directory scan failed",
			zap.String("root", c.dirs.Root()),
			zap.String("failure", string(obs.FailureKind())))
		return false
	}
	c.dirs.Load(obs.Entries)
	c.logger.Debug("directory cache loaded",
		zap.String("root", c.dirs.Root()),
		zap.Int("entries", len(obs.Entries)))
	return true
}

// Apply updates the caches from an executed action's observation and
// returns the observation, with a content reference attached for reads.
// It must run before the next reasoning call so the engine never sees a
// cache older than the history.
func (c *Cache) Apply(ctx context.Context, action model.Action, spec tools.Spec, obs model.Observation, exec Executor) model.Observation {
	// Commands may mutate anything even when they fail.
	if spec.Kind == tools.KindCommand || spec.Kind == tools.KindMutate {
		c.dirs.Invalidate()
		if c.cfg.InvalidateContentOnCommand {
			c.content.Clear()
		}
		c.stats.Invalidations++
		return obs
	}
	if !obs.OK() {
		return obs
	}
	path, ok := c.path(action, spec)
	if !ok {
		return obs
	}

	switch spec.Kind {
	case tools.KindRead:
		if c.cfg.ContentEnabled && !obs.Cached {
			c.content.Put(path, obs.Content)
			obs.ContentRef, _ = c.content.Ref(path)
		}
	case tools.KindWrite:
		if content, isStr := action.Args["content"].(string); isStr && c.cfg.ContentEnabled {
			c.content.Put(path, content)
		} else {
			c.content.Invalidate(path)
		}
		c.dirs.Add(path, false)
	case tools.KindPatch:
		c.refresh(ctx, path, exec)
	case tools.KindMkdir:
		c.dirs.Add(path, true)
	case tools.KindDelete:
		c.content.Invalidate(path)
		c.dirs.Remove(path)
		c.stats.Invalidations++
	}
	return obs
}

// refresh re-reads a patched file instead of guessing its new content.
func (c *Cache) refresh(ctx context.Context, path string, exec Executor) {
	c.content.Invalidate(path)
	if !c.cfg.ContentEnabled || exec == nil {
		return
	}
	obs := exec.Execute(ctx, model.NewAction(c.cfg.ReadOperation, map[string]any{"path": path}))
	if obs.OK() {
		c.content.Put(path, obs.Content)
		return
	}
	c.logger.Debug("re-read after patch failed",
		zap.String("path", path),
		zap.String("failure", string(obs.FailureKind())))
}

func (c *Cache) path(action model.Action, spec tools.Spec) (string, bool) {
	if spec.PathArg == "" {
		return "", false
	}
	p := action.StringArg(spec.PathArg)
	if p == "" || !filepath.IsAbs(p) {
		return "", false
	}
	return filepath.Clean(p), true
}

// State is the serializable form of the cache.
type State struct {
	Files     map[string]string   `json:"files,omitempty"`
	Refs      []Ref               `json:"refs,omitempty"`
	TreeReady bool                `json:"tree_ready"`
	Tree      map[string][]string `json:"tree,omitempty"`
	Stats     Stats               `json:"stats"`
}

// Snapshot captures the cache contents.
func (c *Cache) Snapshot() State {
	st := State{
		Files:     make(map[string]string, len(c.content.files)),
		TreeReady: c.dirs.Loaded(),
		Tree:      c.dirs.Nodes(),
		Stats:     c.stats,
	}
	for p, s := range c.content.files {
		st.Files[p] = s
	}
	for _, id := range c.content.ValidRefs() {
		st.Refs = append(st.Refs, c.content.refs[id])
	}
	return st
}

// Restore replaces the cache contents with st. Refs whose content no
// longer matches the restored file content are discarded.
func (c *Cache) Restore(st State) {
	c.content.Clear()
	for p, s := range st.Files {
		c.content.files[p] = s
	}
	for _, r := range st.Refs {
		if cur, ok := c.content.files[r.Path]; ok && cur == r.Content {
			c.content.Ref(r.Path)
		}
	}
	c.dirs.restore(st.TreeReady, st.Tree)
	c.stats = st.Stats
}
