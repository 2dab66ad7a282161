package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from .rego and .json files. Parsed files are
// cached until their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string]loadedFile
}

type loadedFile struct {
	modTime  time.Time
	size     int64
	policies []Policy
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		files:  make(map[string]loadedFile),
	}
}

// Load reads every policy under paths. A path may be a file or a directory,
// walked recursively. A missing path or a broken file named directly is an
// error; broken files found while walking are logged and skipped.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			ps, err := l.file(root, info)
			if err != nil {
				return nil, err
			}
			out = append(out, ps...)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			ps, err := l.file(path, info)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, ps...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk policy directory %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// file returns the policies of one file, parsing it only when it changed
// since the last call.
func (l *Loader) file(path string, info fs.FileInfo) ([]Policy, error) {
	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{regoPolicy(path, data)}
	case ".json":
		if policies, err = jsonPolicies(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}

	l.mu.Lock()
	l.files[path] = loadedFile{modTime: info.ModTime(), size: info.Size(), policies: policies}
	l.mu.Unlock()
	return policies, nil
}

// forget drops the cached parse of path.
func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.files, path)
	l.mu.Unlock()
}

// regoPolicy turns a .rego file into an enabled error-severity policy named
// after the file. Its leading comment block becomes the description.
func regoPolicy(path string, data []byte) Policy {
	src := string(data)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: regoDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Source:      path,
	}
}

func regoDescription(src string) string {
	var words []string
	for line := range strings.Lines(src) {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if comment != "" && !strings.HasPrefix(comment, "package") {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " ")
}

// jsonPolicy lets a definition omit "enabled".
type jsonPolicy struct {
	Policy
	Enabled *bool `json:"enabled"`
}

// jsonPolicies parses a single policy object or a bundle of the form
// {"name": ..., "version": ..., "policies": [...]}.
func jsonPolicies(path string, data []byte) ([]Policy, error) {
	var doc struct {
		Name     string        `json:"name"`
		Version  string        `json:"version"`
		Policies *[]jsonPolicy `json:"policies"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	defs := []jsonPolicy{}
	if doc.Policies != nil {
		defs = *doc.Policies
	} else {
		var single jsonPolicy
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		defs = append(defs, single)
	}

	out := make([]Policy, 0, len(defs))
	for _, d := range defs {
		p := d.Policy
		p.Enabled = d.Enabled == nil || *d.Enabled
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		p.Source = path
		p.Builtin = false
		out = append(out, p)
	}
	return out, nil
}

// Watch reloads paths after every change to a policy file below them and
// hands the full set to apply. It returns once the watches are in place;
// watching stops when ctx is cancelled. Directories created later are
// watched too.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")

	go l.watchLoop(ctx, w, paths, apply)
	return nil
}

// addTree watches root and, when it is a directory, every directory below it.
func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	debounce := time.NewTimer(reloadDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Cannot watch new policy directory")
					}
					debounce.Reset(reloadDelay)
					continue
				}
			}
			if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)
			debounce.Reset(reloadDelay)

		case <-debounce.C:
			if err := l.reload(ctx, paths, apply); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.Load(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}
