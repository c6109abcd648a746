package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cochaviz/dbmatrix/internal/logging"
)

// MergeEvent records a duplicate profile definition found during resolution.
type MergeEvent struct {
	Name       string
	Precedence string
	Fallback   string
}

// Scope holds the settings and the memoized result of one profile resolution.
type Scope struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	parent   *Scope
	enabled  bool
	roots    []string
	includes map[string]struct{}
	excludes map[string]struct{}
	sources  []Source
	// sealed is set once resolution has started; guarded by mu.
	sealed bool

	resolveMu sync.Mutex
	resolved  bool
	result    ProfileSet
	err       error
	merges    []MergeEvent
}

// ScopeOption configures a Scope at construction.
type ScopeOption func(*Scope)

func WithLogger(logger *slog.Logger) ScopeOption {
	return func(s *Scope) { s.logger = logger }
}

// WithSources replaces the source chain. Order is priority order.
func WithSources(sources ...Source) ScopeOption {
	return func(s *Scope) { s.sources = slices.Clone(sources) }
}

func WithSearchDirectories(dirs ...string) ScopeOption {
	return func(s *Scope) { s.roots = slices.Clone(dirs) }
}

func WithExcludes(names ...string) ScopeOption {
	return func(s *Scope) { s.excludes = toSet(names) }
}

func WithIncludes(names ...string) ScopeOption {
	return func(s *Scope) { s.includes = toSet(names) }
}

// NewScope creates an unresolved scope. Without WithSources the default
// chain with a marker-only script source is used.
func NewScope(name string, opts ...ScopeOption) *Scope {
	s := &Scope{name: name, enabled: true}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.Ensure(s.logger).With("component", "profile", "scope", name)
	if s.sources == nil {
		s.sources = DefaultSources(nil, s.logger)
	}
	return s
}

// Name returns the scope label used in logs and errors.
func (s *Scope) Name() string {
	return s.name
}

// SetParent links s below parent. Profiles of the parent pass through the
// local include/exclude filter before the local search runs.
func (s *Scope) SetParent(parent *Scope) error {
	for ancestor := parent; ancestor != nil; ancestor = ancestor.getParent() {
		if ancestor == s {
			return fmt.Errorf("set parent of scope %q to %q: %w", s.name, parent.name, ErrScopeCycle)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isResolved() {
		return ErrScopeResolved
	}
	s.parent = parent
	return nil
}

func (s *Scope) getParent() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// SearchDirectory appends dir to the search roots.
func (s *Scope) SearchDirectory(dir string) error {
	return s.mutate(func() { s.roots = append(s.roots, dir) })
}

func (s *Scope) SetSearchDirectories(dirs []string) error {
	return s.mutate(func() { s.roots = slices.Clone(dirs) })
}

// Include adds name to the include set, creating the set on first use.
func (s *Scope) Include(name string) error {
	return s.mutate(func() {
		if s.includes == nil {
			s.includes = map[string]struct{}{}
		}
		s.includes[name] = struct{}{}
	})
}

// SetIncludes replaces the include set. A nil slice means "include everything".
func (s *Scope) SetIncludes(names []string) error {
	return s.mutate(func() { s.includes = toSet(names) })
}

func (s *Scope) Exclude(name string) error {
	return s.mutate(func() {
		if s.excludes == nil {
			s.excludes = map[string]struct{}{}
		}
		s.excludes[name] = struct{}{}
	})
}

func (s *Scope) SetExcludes(names []string) error {
	return s.mutate(func() { s.excludes = toSet(names) })
}

// SetEnabled gates matrix generation for this scope. Resolution itself
// does not look at the flag.
func (s *Scope) SetEnabled(enabled bool) error {
	return s.mutate(func() { s.enabled = enabled })
}

func (s *Scope) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Scope) SearchDirectories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.roots)
}

func (s *Scope) mutate(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isResolved() {
		return fmt.Errorf("configure scope %q: %w", s.name, ErrScopeResolved)
	}
	fn()
	return nil
}

// isResolved reports whether resolution has started. It must be called with
// s.mu held.
func (s *Scope) isResolved() bool {
	return s.sealed
}

// ProfilesByName returns the resolved profiles. It fails with
// ErrNotResolved until Resolve has run and returns the memoized
// resolution error if resolution failed.
func (s *Scope) ProfilesByName() (map[string]Profile, error) {
	set, err := s.Profiles()
	if err != nil {
		return nil, err
	}
	return set.ByName(), nil
}

// Profiles is ProfilesByName keeping resolution order.
func (s *Scope) Profiles() (ProfileSet, error) {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()
	if !s.resolved {
		return ProfileSet{}, fmt.Errorf("scope %q: %w", s.name, ErrNotResolved)
	}
	return s.result, s.err
}

// Merges returns the duplicate definitions seen during resolution.
func (s *Scope) Merges() []MergeEvent {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()
	return slices.Clone(s.merges)
}

// Resolve runs the resolution once and memoizes its outcome. Later calls
// return the memoized result without touching the filesystem.
func (s *Scope) Resolve() (ProfileSet, error) {
	return s.resolve(map[*Scope]struct{}{})
}

func (s *Scope) resolve(visiting map[*Scope]struct{}) (ProfileSet, error) {
	if _, seen := visiting[s]; seen {
		return ProfileSet{}, fmt.Errorf("resolve scope %q: %w", s.name, ErrScopeCycle)
	}
	visiting[s] = struct{}{}

	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()
	if s.resolved {
		return s.result, s.err
	}

	s.mu.Lock()
	s.sealed = true
	parent := s.parent
	roots := slices.Clone(s.roots)
	sources := slices.Clone(s.sources)
	filter := nameFilter{includes: s.includes, excludes: s.excludes}
	s.mu.Unlock()

	work := &workingSet{byName: map[string]Profile{}}

	if parent != nil {
		inherited, err := parent.resolve(visiting)
		if err != nil {
			s.finish(ProfileSet{}, fmt.Errorf("resolve parent of scope %q: %w", s.name, err))
			return s.result, s.err
		}
		for _, p := range inherited.List() {
			if filter.allows(p.Name) {
				work.insert(p)
			}
		}
	}

	w := &walker{
		sources: sources,
		logger:  s.logger,
		visited: map[string]struct{}{},
		emit: func(p Profile) {
			if !filter.allows(p.Name) {
				s.logger.Debug("profile filtered out", "profile", p.Name, "directory", p.Directory)
				return
			}
			if existing, ok := work.byName[p.Name]; ok {
				s.logger.Info("found duplicate profile definitions",
					"profile", p.Name, "precedence", p.Directory, "fallback", existing.Directory)
				s.merges = append(s.merges, MergeEvent{Name: p.Name, Precedence: p.Directory, Fallback: existing.Directory})
				work.replace(Merge(p, existing))
				return
			}
			work.insert(p)
		},
	}

	var (
		existing int
		failures []error
		failed   []string
	)
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = filepath.Clean(root)
		}
		found, err := w.walkRoot(abs)
		if found {
			existing++
		}
		if err != nil {
			s.logger.Warn("unable to read search directory", "directory", abs, "error", err)
			failures = append(failures, err)
			failed = append(failed, abs)
		}
	}

	if existing > 0 && len(failures) == existing {
		s.finish(ProfileSet{}, &ResolutionError{Scope: s.name, Roots: failed, Err: errors.Join(failures...)})
		return s.result, s.err
	}

	s.finish(work.freeze(), nil)
	s.logger.Debug("profiles resolved", "count", s.result.Len(), "profiles", s.result.Names())
	return s.result, nil
}

// finish must be called with resolveMu held.
func (s *Scope) finish(result ProfileSet, err error) {
	s.result = result
	s.err = err
	s.resolved = true
}

type nameFilter struct {
	includes map[string]struct{}
	excludes map[string]struct{}
}

// allows applies include then exclude; exclude always wins.
func (f nameFilter) allows(name string) bool {
	if f.includes != nil {
		if _, ok := f.includes[name]; !ok {
			return false
		}
	}
	_, excluded := f.excludes[name]
	return !excluded
}

type workingSet struct {
	order  []string
	byName map[string]Profile
}

func (w *workingSet) insert(p Profile) {
	if _, ok := w.byName[p.Name]; !ok {
		w.order = append(w.order, p.Name)
	}
	w.byName[p.Name] = p
}

func (w *workingSet) replace(p Profile) {
	w.byName[p.Name] = p
}

func (w *workingSet) freeze() ProfileSet {
	return ProfileSet{order: slices.Clone(w.order), byName: w.byName}
}

type walker struct {
	sources []Source
	logger  *slog.Logger
	visited map[string]struct{}
	emit    func(Profile)
}

// walkRoot reports whether the root exists as a directory and returns an
// error only when the root itself could not be read.
func (w *walker) walkRoot(root string) (bool, error) {
	info, err := statPath(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return true, fmt.Errorf("stat search directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := w.walk(root, true); err != nil {
		return true, err
	}
	return true, nil
}

func (w *walker) walk(dir string, root bool) error {
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		if _, seen := w.visited[real]; seen {
			return nil
		}
		w.visited[real] = struct{}{}
	}

	for _, source := range w.sources {
		p, ok, err := source.Discover(dir)
		if err != nil {
			w.logger.Warn("unable to probe directory", "directory", dir, "error", err)
			continue
		}
		if ok {
			w.emit(p)
			return nil
		}
	}

	entries, err := readDir(dir)
	if err != nil {
		if root {
			return fmt.Errorf("read search directory %s: %w", dir, err)
		}
		w.logger.Warn("skipping unreadable directory", "directory", dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		if !isDirectory(child, entry) {
			continue
		}
		if err := w.walk(child, false); err != nil {
			return err
		}
	}
	return nil
}

func isDirectory(path string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func toSet(names []string) map[string]struct{} {
	if names == nil {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
