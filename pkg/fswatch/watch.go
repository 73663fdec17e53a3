// Package fswatch watches a project directory and reports files that were
// added, modified or deleted once they've stopped changing.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/olsync/pkg/errors"
)

var fs = afero.NewOsFs()

// EventKind is the kind of change to a file.
type EventKind int

const (
	// Added means the file didn't exist before.
	Added EventKind = iota
	// Modified means the contents of an existing file changed.
	Modified
	// Deleted means the file was removed.
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a settled change to a single file.
type Event struct {
	Kind EventKind

	// Path is relative to the watched directory, and '/'-separated.
	Path string

	Time time.Time
}

// DefaultExcludes are the patterns that are never synced: dotfiles
// (including version control metadata and the project record), dependency
// directories, and LaTeX build output.
var DefaultExcludes = []string{
	".*",
	"node_modules",
	"*.pdf",
	"*.zip",
	"*.aux",
	"*.log",
	"*.out",
	"*.toc",
	"*.fls",
	"*.fdb_latexmk",
	"*.synctex.gz",
	"*.synctex(busy)",
	"*.blg",
}

// DefaultStabilityWindow is how long a file must stay unchanged before its
// event is emitted.
const DefaultStabilityWindow = time.Second

// Config configures a Watcher.
type Config struct {
	// Root is the directory to watch.
	Root string

	// Exclude contains additional doublestar patterns. A pattern matches if
	// it matches the relative path of the file, or of any of its parent
	// directories. Patterns without a slash match at any depth.
	Exclude []string

	// StabilityWindow defaults to DefaultStabilityWindow.
	StabilityWindow time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Watcher reports settled file changes under a directory.
type Watcher struct {
	root     string
	excludes []string
	window   time.Duration
	clock    clockwork.Clock

	notifier *fsnotify.Watcher
	events   chan Event

	mu      sync.Mutex
	pending map[string]pendingChange
	known   map[string]struct{}
	nextGen uint64

	stop      chan struct{}
	closeOnce sync.Once
}

type pendingChange struct {
	timer clockwork.Timer
	gen   uint64
}

// Watch starts watching `cfg.Root` recursively. Files that exist when Watch
// is called don't generate events.
func Watch(cfg Config) (*Watcher, error) {
	w, err := newWatcher(cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}
	w.notifier = notifier

	dirs, err := w.scan(w.root)
	if err != nil {
		w.Close()
		return nil, errors.WithContext(err, "scan")
	}

	for _, dir := range dirs {
		if err := notifier.Add(dir); err != nil {
			w.Close()
			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	go w.run()
	return w, nil
}

func newWatcher(cfg Config) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.WithContext(err, "resolve root")
	}

	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%s is not a directory", root)
	}

	excludes := append(append([]string{}, DefaultExcludes...), cfg.Exclude...)
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.NewFriendlyError("invalid exclude pattern %q", pattern)
		}
	}

	if cfg.StabilityWindow == 0 {
		cfg.StabilityWindow = DefaultStabilityWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Watcher{
		root:     root,
		excludes: excludes,
		window:   cfg.StabilityWindow,
		clock:    cfg.Clock,
		events:   make(chan Event, 64),
		pending:  map[string]pendingChange{},
		known:    map[string]struct{}{},
		stop:     make(chan struct{}),
	}, nil
}

// Events returns the channel that settled events are sent on. It's never
// closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops watching and cancels all pending events. It's safe to call
// more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)

		w.mu.Lock()
		for p, change := range w.pending {
			change.timer.Stop()
			delete(w.pending, p)
		}
		w.mu.Unlock()

		if w.notifier != nil {
			err = w.notifier.Close()
		}
	})
	return err
}

// Excluded returns whether the '/'-separated relative path is ignored.
func (w *Watcher) Excluded(rel string) bool {
	return Excluded(w.excludes, rel)
}

// Excluded returns whether `rel`, or any of its parent directories, matches
// one of `patterns`.
func Excluded(patterns []string, rel string) bool {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}

	segments := strings.Split(rel, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		base := segments[i]
		for _, pattern := range patterns {
			target := prefix
			if !strings.Contains(pattern, "/") {
				target = base
			}
			if match, _ := doublestar.Match(pattern, target); match {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, ok := w.relPath(event.Name)
	if !ok || rel == "" || w.Excluded(rel) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		// fsnotify isn't recursive, so new directories have to be added
		// explicitly. Files created in the directory before the watch was
		// added are picked up by the scan.
		if fi, err := fs.Stat(event.Name); err == nil && fi.IsDir() {
			dirs, err := w.scanNew(event.Name)
			if err != nil {
				log.WithError(err).WithField("path", rel).Warn("Failed to scan new directory")
			}
			for _, dir := range dirs {
				if err := w.notifier.Add(dir); err != nil {
					log.WithError(err).WithField("path", dir).Warn("Failed to watch directory")
				}
			}
			return
		}
	}

	w.notify(rel)
}

// notify schedules `rel` to be checked once it stops changing. A new
// notification for the same path restarts the window.
func (w *Watcher) notify(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stop:
		return
	default:
	}

	if change, ok := w.pending[rel]; ok {
		change.timer.Stop()
	}

	w.nextGen++
	gen := w.nextGen
	w.pending[rel] = pendingChange{
		gen:   gen,
		timer: w.clock.AfterFunc(w.window, func() { w.settle(rel, gen) }),
	}
}

// settle compares the current state of `rel` with what was last reported
// and emits the corresponding events.
func (w *Watcher) settle(rel string, gen uint64) {
	w.mu.Lock()
	change, ok := w.pending[rel]
	if !ok || change.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)

	var events []Event
	now := w.clock.Now()
	fi, err := fs.Stat(filepath.Join(w.root, filepath.FromSlash(rel)))
	switch {
	case err == nil && fi.IsDir():
	case err == nil:
		kind := Modified
		if _, ok := w.known[rel]; !ok {
			kind = Added
			w.known[rel] = struct{}{}
		}
		events = append(events, Event{Kind: kind, Path: rel, Time: now})
	case os.IsNotExist(err):
		// Removing a directory only notifies for the directory itself, so
		// every known file below it is reported as deleted.
		var deleted []string
		for p := range w.known {
			if p == rel || strings.HasPrefix(p, rel+"/") {
				deleted = append(deleted, p)
			}
		}
		sort.Strings(deleted)
		for _, p := range deleted {
			delete(w.known, p)
			events = append(events, Event{Kind: Deleted, Path: p, Time: now})
		}
	default:
		log.WithError(err).WithField("path", rel).Warn("Failed to stat changed file")
	}
	w.mu.Unlock()

	for _, event := range events {
		log.WithFields(log.Fields{
			"path":  event.Path,
			"event": event.Kind,
		}).Debug("File changed")

		select {
		case w.events <- event:
		case <-w.stop:
			return
		}
	}
}

// scan walks `dir`, records the files under it as known, and returns the
// directories that should be watched.
func (w *Watcher) scan(dir string) (dirs []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		rel, ok := w.relPath(path)
		if !ok {
			return nil
		}
		if w.Excluded(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			dirs = append(dirs, path)
			return nil
		}

		w.mu.Lock()
		w.known[rel] = struct{}{}
		w.mu.Unlock()
		return nil
	})
	return dirs, err
}

// scanNew is like scan, but for a directory that appeared while watching.
// The files under it are reported as changes.
func (w *Watcher) scanNew(dir string) (dirs []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		rel, ok := w.relPath(path)
		if !ok {
			return nil
		}
		if w.Excluded(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			dirs = append(dirs, path)
		} else {
			w.notify(rel)
		}
		return nil
	})
	return dirs, err
}

func (w *Watcher) relPath(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}
