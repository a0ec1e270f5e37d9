package authoring

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/reflex/internal/errs"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher hot-reloads a rules directory into a target. The initial sync
// is strict: a file that fails to load or a duplicate id aborts Run.
// After that, edits are lenient: a file that stops parsing keeps its
// previously loaded rules and the watcher logs the problem, so a broken
// save never tears rules out of a running engine.
//
// Rules removed from a file (or whose file is deleted) are unregistered.
// Groups are only ever upserted; they may be shared across files, so
// removing one is left to the operator.
type Watcher struct {
	dir      string
	target   Target
	log      *slog.Logger
	debounce time.Duration

	fs    *fsnotify.Watcher
	owned map[string][]string // file path -> rule ids it defines
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the watcher's logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// WithDebounce sets how long the watcher coalesces filesystem events
// before reloading. Editors tend to emit bursts per save.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher prepares a watcher over dir. Nothing is loaded until Run.
func NewWatcher(dir string, target Target, opts ...WatcherOption) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errs.Wrapf(errs.KindValidation, err, "rules dir")
	}
	if !info.IsDir() {
		return nil, errs.Validationf("rules dir %s is not a directory", dir)
	}
	w := &Watcher{
		dir:      dir,
		target:   target,
		log:      slog.Default(),
		debounce: defaultDebounce,
		owned:    map[string][]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run loads the directory, then reloads changed files until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.fs = fsw

	if err := w.addWatches(w.dir); err != nil {
		return err
	}
	if err := w.initialSync(); err != nil {
		return err
	}

	pending := map[string]bool{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(ev, pending, timer)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("rules watch error", "error", err)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
				delete(pending, path)
			}
			sort.Strings(paths)
			for _, path := range paths {
				w.reload(path)
			}
		}
	}
}

// observe folds one raw filesystem event into the pending reload set.
func (w *Watcher) observe(ev fsnotify.Event, pending map[string]bool, timer *time.Timer) {
	name := filepath.Base(ev.Name)
	if name == "" || name[0] == '.' || name[0] == '_' {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addWatches(ev.Name); err != nil {
				w.log.Warn("watch new directory", "dir", ev.Name, "error", err)
			}
			// Files may land before the watch does.
			if found, err := findRuleFiles(ev.Name); err == nil {
				for _, path := range found {
					pending[path] = true
				}
				w.bump(pending, timer)
			}
			return
		}
	}

	if !isRuleFile(name) {
		return
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		pending[ev.Name] = true
		w.bump(pending, timer)
	}
}

func (w *Watcher) bump(pending map[string]bool, timer *time.Timer) {
	if len(pending) == 0 {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(w.debounce)
}

// addWatches watches dir and every non-hidden subdirectory.
func (w *Watcher) addWatches(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (name[0] == '.' || name[0] == '_') {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// initialSync loads every rule file strictly, recording which file owns
// which rule ids.
func (w *Watcher) initialSync() error {
	paths, err := findRuleFiles(w.dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errs.Validationf("%s: no rule files (.yaml, .yml, .cue)", w.dir)
	}
	for _, path := range paths {
		set, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := w.applyFile(path, set, true); err != nil {
			return err
		}
	}
	return nil
}

// reload re-syncs one file after a change. A vanished file drops its
// rules; a file that fails to load keeps them.
func (w *Watcher) reload(path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		w.removeFile(path)
		return
	}
	set, err := LoadFile(path)
	if err != nil {
		w.log.Warn("rule file failed to load, keeping previous rules",
			"file", path, "error", err)
		return
	}
	if err := w.applyFile(path, set, false); err != nil {
		w.log.Warn("rule file failed to apply, keeping previous rules",
			"file", path, "error", err)
	}
}

// applyFile upserts a file's definitions and unregisters rules the file
// no longer defines. In strict mode a rule id owned by another file is
// an error; otherwise the claim is logged and skipped.
func (w *Watcher) applyFile(path string, set Set, strict bool) error {
	claimed := map[string]string{}
	for owner, ids := range w.owned {
		if owner == path {
			continue
		}
		for _, id := range ids {
			claimed[id] = owner
		}
	}

	kept := set
	kept.Rules = nil
	for _, r := range set.Rules {
		if owner, ok := claimed[r.ID]; ok {
			if strict {
				return errs.Validationf("rule %q defined in both %s and %s", r.ID, owner, path)
			}
			w.log.Warn("rule id already owned by another file, skipping",
				"rule", r.ID, "file", path, "owner", owner)
			continue
		}
		kept.Rules = append(kept.Rules, r)
	}

	res, err := Apply(w.target, kept)
	if err != nil {
		return err
	}

	current := map[string]bool{}
	for _, id := range kept.RuleIDs() {
		current[id] = true
	}
	for _, id := range w.owned[path] {
		if current[id] {
			continue
		}
		if err := w.target.UnregisterRule(id); err != nil && !errs.IsNotFound(err) {
			w.log.Warn("unregister removed rule", "rule", id, "error", err)
		}
	}
	w.owned[path] = kept.RuleIDs()

	if res.RulesAdded+res.RulesUpdated+res.GroupsAdded+res.GroupsUpdated > 0 {
		w.log.Info("rules synced", "file", path, "result", res.String())
	}
	return nil
}

// removeFile unregisters every rule a deleted file owned.
func (w *Watcher) removeFile(path string) {
	ids := w.owned[path]
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := w.target.UnregisterRule(id); err != nil && !errs.IsNotFound(err) {
			w.log.Warn("unregister removed rule", "rule", id, "error", err)
		}
	}
	delete(w.owned, path)
	w.log.Info("rule file removed", "file", path, "rules", len(ids))
}
