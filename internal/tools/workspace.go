package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskloop/internal/ignore"
	"github.com/fyrsmithlabs/taskloop/internal/model"
)

// Names of the built-in workspace operations.
const (
	ReadFile        = "read_file"
	WriteToFile     = "write_to_file"
	ReplaceInFile   = "replace_in_file"
	ListFiles       = "list_files"
	SearchFiles     = "search_files"
	CreateDirectory = "create_directory"
	DeletePath      = "delete_path"
	ExecuteCommand  = "execute_command"
	CreateSubtask   = "create_subtask"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxSearchResults      = 200
	maxCommandOutput      = 64 * 1024
)

// WorkspaceConfig configures the built-in tools.
type WorkspaceConfig struct {
	Root           string
	CommandTimeout time.Duration
	// Shell runs execute_command; defaults to "sh".
	Shell string
}

// Workspace implements file and command tools confined to a project root.
type Workspace struct {
	root    string
	timeout time.Duration
	shell   string
	ignore  *ignore.Matcher
	logger  *zap.Logger
}

// NewWorkspace creates workspace tools rooted at cfg.Root.
func NewWorkspace(cfg WorkspaceConfig, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", root)
	}
	m, err := ignore.Load(root)
	if err != nil {
		return nil, fmt.Errorf("loading ignore files: %w", err)
	}
	w := &Workspace{
		root:    root,
		timeout: cfg.CommandTimeout,
		shell:   cfg.Shell,
		ignore:  m,
		logger:  logger,
	}
	if w.timeout <= 0 {
		w.timeout = defaultCommandTimeout
	}
	if w.shell == "" {
		w.shell = "sh"
	}
	return w, nil
}

// Root returns the absolute project root.
func (w *Workspace) Root() string { return w.root }

// Ignore returns the matcher listings are filtered with.
func (w *Workspace) Ignore() *ignore.Matcher { return w.ignore }

// Register adds the workspace operations to r.
func (w *Workspace) Register(r *Registry) error {
	entries := []struct {
		spec Spec
		h    Handler
	}{
		{Spec{Name: ReadFile, Kind: KindRead, PathArg: "path", Description: "Read a file.",
			Parameters: schema(props{"path": str("File path")}, "path")}, w.readFile},
		{Spec{Name: WriteToFile, Kind: KindWrite, PathArg: "path", Description: "Create or overwrite a file. Pass content, or content_ref to reuse content from an earlier read.",
			Parameters: schema(props{"path": str("File path"), "content": str("Full file content"), "content_ref": str("Content reference from an earlier read")}, "path")}, w.writeFile},
		{Spec{Name: ReplaceInFile, Kind: KindPatch, PathArg: "path", Description: "Replace the first occurrence of search with replace.",
			Parameters: schema(props{"path": str("File path"), "search": str("Exact text to find"), "replace": str("Replacement text")}, "path", "search", "replace")}, w.replaceInFile},
		{Spec{Name: ListFiles, Kind: KindList, PathArg: "path", Description: "List a directory. Directories end in '/'.",
			Parameters: schema(props{"path": str("Directory path"), "recursive": map[string]any{"type": "boolean"}}, "path")}, w.listFiles},
		{Spec{Name: SearchFiles, Kind: KindSearch, PathArg: "path", Description: "Search file contents with a regular expression.",
			Parameters: schema(props{"path": str("Directory path"), "regex": str("RE2 expression"), "file_pattern": str("Glob such as **/*.go")}, "path", "regex")}, w.searchFiles},
		{Spec{Name: CreateDirectory, Kind: KindMkdir, PathArg: "path", Description: "Create a directory and its parents.",
			Parameters: schema(props{"path": str("Directory path")}, "path")}, w.createDirectory},
		{Spec{Name: DeletePath, Kind: KindDelete, PathArg: "path", Description: "Delete a file or directory tree.",
			Parameters: schema(props{"path": str("Path to delete")}, "path")}, w.deletePath},
		{Spec{Name: ExecuteCommand, Kind: KindCommand, Description: "Run a shell command in the project root.",
			Parameters: schema(props{"command": str("Shell command")}, "command")}, w.executeCommand},
		{Spec{Name: CreateSubtask, Kind: KindSubtask, Description: "Insert a new subtask after the current one.",
			Parameters: schema(props{"description": str("Subtask description")}, "description")}, nil},
	}
	for _, e := range entries {
		if err := r.Register(e.spec, e.h); err != nil {
			return err
		}
	}
	return nil
}

type props map[string]any

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func schema(p props, required ...string) map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any(p), "required": required}
}

// resolve returns the absolute form of the path argument, rejecting paths
// that escape the root.
func (w *Workspace) resolve(op string, action model.Action) (string, error) {
	p := action.StringArg("path")
	if p == "" {
		return "", Fail(model.FailureValidation, op, "", fmt.Errorf("%w: path", ErrMissingArgument))
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", Fail(model.FailurePermission, op, p, ErrOutsideRoot)
	}
	return p, nil
}

func (w *Workspace) readFile(_ context.Context, a model.Action) (model.Observation, error) {
	p, err := w.resolve(ReadFile, a)
	if err != nil {
		return model.Observation{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), ReadFile, p, err)
	}
	if info.IsDir() {
		return model.Observation{}, Fail(model.FailureValidation, ReadFile, p, errors.New("is a directory; use list_files"))
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), ReadFile, p, err)
	}
	return model.Success(string(b)), nil
}

func (w *Workspace) writeFile(_ context.Context, a model.Action) (model.Observation, error) {
	p, err := w.resolve(WriteToFile, a)
	if err != nil {
		return model.Observation{}, err
	}
	content, ok := a.Args["content"].(string)
	if !ok {
		return model.Observation{}, Fail(model.FailureValidation, WriteToFile, p, fmt.Errorf("%w: content", ErrMissingArgument))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return model.Observation{}, Fail(KindOf(err), WriteToFile, p, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return model.Observation{}, Fail(KindOf(err), WriteToFile, p, err)
	}
	return model.Success(fmt.Sprintf("wrote %d bytes to %s", len(content), p)), nil
}

func (w *Workspace) replaceInFile(_ context.Context, a model.Action) (model.Observation, error) {
	p, err := w.resolve(ReplaceInFile, a)
	if err != nil {
		return model.Observation{}, err
	}
	search := a.StringArg("search")
	if search == "" {
		return model.Observation{}, Fail(model.FailureValidation, ReplaceInFile, p, fmt.Errorf("%w: search", ErrMissingArgument))
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), ReplaceInFile, p, err)
	}
	content := string(b)
	if !strings.Contains(content, search) {
		return model.Observation{}, Fail(model.FailureValidation, ReplaceInFile, p, errors.New("search text not found; read the file again to get its current content"))
	}
	updated := strings.Replace(content, search, a.StringArg("replace"), 1)
	if err := os.WriteFile(p, []byte(updated), 0o644); err != nil {
		return model.Observation{}, Fail(KindOf(err), ReplaceInFile, p, err)
	}
	return model.Success(fmt.Sprintf("patched %s", p)), nil
}

// listFiles returns names of direct children, or paths relative to the
// listed directory when recursive. Directories carry a trailing slash.
func (w *Workspace) listFiles(_ context.Context, a model.Action) (model.Observation, error) {
	dir, err := w.resolve(ListFiles, a)
	if err != nil {
		return model.Observation{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), ListFiles, dir, err)
	}
	if !info.IsDir() {
		return model.Observation{}, Fail(model.FailureValidation, ListFiles, dir, errors.New("not a directory"))
	}

	var entries []string
	if !a.BoolArg("recursive") {
		des, err := os.ReadDir(dir)
		if err != nil {
			return model.Observation{}, Fail(KindOf(err), ListFiles, dir, err)
		}
		for _, de := range des {
			if w.ignored(filepath.Join(dir, de.Name()), de.IsDir()) {
				continue
			}
			entries = append(entries, entryName(de.Name(), de.IsDir()))
		}
		sort.Strings(entries)
		return model.Listing(entries), nil
	}

	err = filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if w.ignored(p, de.IsDir()) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		entries = append(entries, entryName(filepath.ToSlash(rel), de.IsDir()))
		return nil
	})
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), ListFiles, dir, err)
	}
	sort.Strings(entries)
	return model.Listing(entries), nil
}

func (w *Workspace) searchFiles(ctx context.Context, a model.Action) (model.Observation, error) {
	dir, err := w.resolve(SearchFiles, a)
	if err != nil {
		return model.Observation{}, err
	}
	expr := a.StringArg("regex")
	if expr == "" {
		return model.Observation{}, Fail(model.FailureValidation, SearchFiles, dir, fmt.Errorf("%w: regex", ErrMissingArgument))
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return model.Observation{}, Fail(model.FailureValidation, SearchFiles, dir, err)
	}
	pattern := a.StringArg("file_pattern")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return model.Observation{}, Fail(model.FailureValidation, SearchFiles, dir, fmt.Errorf("bad file_pattern %q", pattern))
	}

	var results []string
	truncated := false
	err = filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.ignored(p, de.IsDir()) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if de.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, rel); !ok {
				return nil
			}
		}
		hits, err := grepFile(p, rel, re, maxSearchResults-len(results))
		if err != nil {
			return nil
		}
		results = append(results, hits...)
		if len(results) >= maxSearchResults {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return model.Observation{}, Fail(KindOf(err), SearchFiles, dir, err)
	}
	if len(results) == 0 {
		return model.Success("no matches"), nil
	}
	out := strings.Join(results, "\n")
	if truncated {
		out += fmt.Sprintf("\n[results truncated at %d matches]", maxSearchResults)
	}
	return model.Success(out), nil
}

func grepFile(path, rel string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan() && len(hits) < limit; line++ {
		text := sc.Text()
		if strings.IndexByte(text, 0) >= 0 {
			// binary
			return nil, nil
		}
		if re.MatchString(text) {
			hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(text)))
		}
	}
	return hits, sc.Err()
}

func (w *Workspace) createDirectory(_ context.Context, a model.Action) (model.Observation, error) {
	p, err := w.resolve(CreateDirectory, a)
	if err != nil {
		return model.Observation{}, err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return model.Observation{}, Fail(KindOf(err), CreateDirectory, p, err)
	}
	return model.Success(fmt.Sprintf("created %s", p)), nil
}

func (w *Workspace) deletePath(_ context.Context, a model.Action) (model.Observation, error) {
	p, err := w.resolve(DeletePath, a)
	if err != nil {
		return model.Observation{}, err
	}
	if p == w.root {
		return model.Observation{}, Fail(model.FailurePermission, DeletePath, p, errors.New("refusing to delete the project root"))
	}
	if _, err := os.Lstat(p); err != nil {
		return model.Observation{}, Fail(KindOf(err), DeletePath, p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return model.Observation{}, Fail(KindOf(err), DeletePath, p, err)
	}
	return model.Success(fmt.Sprintf("deleted %s", p)), nil
}

func (w *Workspace) executeCommand(ctx context.Context, a model.Action) (model.Observation, error) {
	command := a.StringArg("command")
	if command == "" {
		return model.Observation{}, Fail(model.FailureValidation, ExecuteCommand, "", fmt.Errorf("%w: command", ErrMissingArgument))
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.shell, "-c", command)
	cmd.Dir = w.root
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	output := truncateOutput(out)

	w.logger.Debug("command executed",
		zap.String("command", command),
		zap.Int("output_bytes", len(out)),
		zap.Error(err))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Observation{}, Fail(model.FailureTimeout, ExecuteCommand, "", fmt.Errorf("timed out after %s: %s", w.timeout, output))
	}
	if err != nil {
		return model.Observation{}, Fail(model.FailureExecution, ExecuteCommand, "", fmt.Errorf("%v\n%s", err, output))
	}
	if output == "" {
		output = "(no output)"
	}
	return model.Success(output), nil
}

func (w *Workspace) ignored(abs string, isDir bool) bool {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return false
	}
	return w.ignore.Ignored(rel, isDir)
}

func entryName(name string, isDir bool) string {
	if isDir {
		return name + "/"
	}
	return name
}

func truncateOutput(b []byte) string {
	if len(b) <= maxCommandOutput {
		return string(b)
	}
	return model.Clip(string(b), maxCommandOutput) + fmt.Sprintf("\n[output truncated, %d bytes total]", len(b))
}
