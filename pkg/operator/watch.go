package operator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/template"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// reloader is implemented by policy gates that can re-read their sources.
type reloader interface {
	Reload(ctx context.Context) error
}

// Watcher re-plans an application whenever a file of its working tree
// changes. Policy and plugin directories outside the tree are watched too.
type Watcher struct {
	operator *Operator
	opts     Options
	debounce time.Duration
	onRun    func(*Report, error)
	logger   zerolog.Logger

	roots  []string
	output string
}

// NewWatcher creates a watcher running opts in plan-only mode. onRun receives
// the outcome of every run.
func NewWatcher(op *Operator, opts Options, onRun func(*Report, error), logger zerolog.Logger) *Watcher {
	if opts.WorkingDir == "" {
		opts.WorkingDir = "."
	}
	opts.RunMode = engine.RunModePlanOnly
	opts.PlanID = ""

	w := &Watcher{
		operator: op,
		opts:     opts,
		debounce: DefaultDebounce,
		onRun:    onRun,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}

	if opts.OutputDir != "" {
		w.output = opts.OutputDir
	}
	w.roots = []string{filepath.Join(opts.WorkingDir, template.ValuesDir)}
	if dir := op.cfg.Policy.Dir; dir != "" {
		w.roots = append(w.roots, resolvePath(opts.WorkingDir, dir))
	}
	for _, p := range op.cfg.Plugins {
		if p.Directory != "" {
			w.roots = append(w.roots, resolvePath(opts.WorkingDir, p.Directory))
		}
	}
	return w
}

// SetDebounce overrides the settle delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch runs once, then again after each settled change, until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.watchTree(watcher, w.opts.WorkingDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.opts.WorkingDir, err)
	}
	for _, root := range w.roots {
		if w.inTree(root) {
			continue
		}
		if err := w.watchTree(watcher, root); err != nil {
			w.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch directory")
		}
	}
	w.logger.Info().Str("dir", w.opts.WorkingDir).Strs("roots", w.roots).Msg("Started watching")

	w.runOnce(ctx)

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 && (w.inTree(event.Name) || w.underRoot(event.Name)) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watchTree(watcher, event.Name)
				}
			}
			if !w.relevant(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Change detected")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.runOnce(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info().Msg("Re-planning")
	if gate, ok := w.operator.deps.Gate.(reloader); ok {
		if err := gate.Reload(ctx); err != nil {
			if w.onRun != nil {
				w.onRun(nil, err)
			}
			w.logger.Error().Err(err).Msg("Failed to reload policies")
			return
		}
	}
	report, err := w.operator.Run(ctx, w.opts)
	if err != nil {
		w.logger.Error().Err(err).Msg("Plan failed")
	}
	if w.onRun != nil {
		w.onRun(report, err)
	}
}

// watchTree adds dir and every directory below it, skipping hidden and
// output directories.
func (w *Watcher) watchTree(watcher *fsnotify.Watcher, dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// relevant reports whether a change to path should trigger a run. Model,
// include and config files may live anywhere in the working tree.
func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(path)
	if (strings.HasPrefix(base, ".") && base != ".env") || strings.HasSuffix(base, "~") {
		return false
	}
	if w.underRoot(path) {
		return true
	}
	if !w.inTree(path) || w.ignored(filepath.Dir(path)) {
		return false
	}
	if filepath.Clean(filepath.Dir(path)) == filepath.Clean(w.opts.WorkingDir) {
		ext := filepath.Ext(base)
		return slices.Contains(ModelFiles, base) || base == template.ValuesDir || ext == ".yaml" || ext == ".yml"
	}
	return true
}

// ignored reports whether a directory of the working tree holds hidden or
// generated files.
func (w *Watcher) ignored(dir string) bool {
	rel, err := filepath.Rel(w.opts.WorkingDir, dir)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return w.output != "" && within(w.output, dir)
}

func (w *Watcher) inTree(path string) bool {
	return within(w.opts.WorkingDir, path)
}

func (w *Watcher) underRoot(path string) bool {
	for _, root := range w.roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	if filepath.IsAbs(root) != filepath.IsAbs(path) {
		root, _ = filepath.Abs(root)
		path, _ = filepath.Abs(path)
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func resolvePath(workingDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workingDir, p)
}
