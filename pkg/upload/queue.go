// Package upload syncs local changes to the remote project in batches. File
// events are collected per path until no new event arrives for a quiet
// period, and are then pushed to the remote one by one.
package upload

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/fswatch"
	"github.com/sidkik/olsync/pkg/metrics"
	"github.com/sidkik/olsync/pkg/registry"
	"github.com/sidkik/olsync/pkg/remote"
)

var fs = afero.NewOsFs()

// DefaultQuietPeriod is how long the queue waits after the last event before
// flushing.
const DefaultQuietPeriod = 2 * time.Second

// PendingChange is the latest change to a path that hasn't been flushed yet.
type PendingChange struct {
	Path      string
	Kind      fswatch.EventKind
	Timestamp time.Time
}

// Action describes what a flush did for a change.
type Action string

const (
	// Created means a new document was created.
	Created Action = "created"
	// Uploaded means a new binary file was uploaded.
	Uploaded Action = "uploaded"
	// Updated means an existing document's content was replaced.
	Updated Action = "updated"
	// Deleted means the remote entity was deleted.
	Deleted Action = "deleted"
	// Skipped means there was nothing to do.
	Skipped Action = "skipped"
)

// Result is the outcome of flushing a single change.
type Result struct {
	Change PendingChange
	Action Action
	Err    error
}

// Config configures a Queue.
type Config struct {
	// Dir is the local project directory.
	Dir string

	Client   remote.Client
	Registry *registry.Registry

	// QuietPeriod defaults to DefaultQuietPeriod.
	QuietPeriod time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Trigger is called when the quiet period elapses. It should arrange for
	// Flush to be called. If it's nil, the queue flushes by itself.
	Trigger func()

	// AfterFlush is called with the results of every non-empty flush.
	AfterFlush func([]Result)
}

// Queue collects local file events and pushes them to the remote.
type Queue struct {
	dir        string
	projectID  string
	client     remote.Client
	registry   *registry.Registry
	resolver   *registry.Resolver
	quiet      time.Duration
	clock      clockwork.Clock
	trigger    func()
	afterFlush func([]Result)

	mu       sync.Mutex
	order    []string
	pending  map[string]PendingChange
	timer    clockwork.Timer
	timerGen uint64
	stopped  bool
}

// New creates a Queue.
func New(cfg Config) *Queue {
	if cfg.QuietPeriod == 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	q := &Queue{
		dir:        cfg.Dir,
		projectID:  cfg.Registry.ProjectID(),
		client:     cfg.Client,
		registry:   cfg.Registry,
		resolver:   registry.NewResolver(cfg.Registry, cfg.Client),
		quiet:      cfg.QuietPeriod,
		clock:      cfg.Clock,
		trigger:    cfg.Trigger,
		afterFlush: cfg.AfterFlush,
		pending:    map[string]PendingChange{},
	}
	if q.trigger == nil {
		q.trigger = func() { q.Flush(context.Background()) }
	}
	warnUnknownIDs(cfg.Registry)
	return q
}

// warnUnknownIDs logs once about entries that changes can't be synced to.
func warnUnknownIDs(reg *registry.Registry) {
	var paths []string
	for _, entry := range reg.Entries() {
		if !entry.IsRoot() && !entry.Ref.HasID() {
			paths = append(paths, entry.Path)
		}
	}
	if len(paths) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"project": reg.ProjectID(),
		"count":   len(paths),
		"paths":   paths,
	}).Warn("The remote didn't report IDs for some files and folders. " +
		"Local changes to them, and new files inside them, won't be uploaded")
}

// OnFileEvent records a change to `relPath` and restarts the quiet period.
// Only the latest kind of change is kept for each path.
func (q *Queue) OnFileEvent(kind fswatch.EventKind, relPath string) {
	relPath = registry.Normalize(relPath)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || relPath == "" {
		return
	}

	if _, ok := q.pending[relPath]; !ok {
		q.order = append(q.order, relPath)
	}
	q.pending[relPath] = PendingChange{
		Path:      relPath,
		Kind:      kind,
		Timestamp: q.clock.Now(),
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = q.clock.AfterFunc(q.quiet, func() { q.fire(gen) })
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	current := !q.stopped && gen == q.timerGen
	if current {
		q.timer = nil
	}
	q.mu.Unlock()

	if current {
		q.trigger()
	}
}

// Pending returns the changes waiting to be flushed, in the order their
// paths were first changed.
func (q *Queue) Pending() []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	changes := make([]PendingChange, 0, len(q.order))
	for _, p := range q.order {
		changes = append(changes, q.pending[p])
	}
	return changes
}

// Flush pushes every pending change to the remote. Each change is handled
// independently: a failure is reported in its Result, and doesn't stop the
// remaining changes.
func (q *Queue) Flush(ctx context.Context) []Result {
	q.mu.Lock()
	changes := make([]PendingChange, 0, len(q.order))
	for _, p := range q.order {
		changes = append(changes, q.pending[p])
	}
	q.order = nil
	q.pending = map[string]PendingChange{}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	log.WithFields(log.Fields{
		"project": q.projectID,
		"changes": len(changes),
	}).Info("Syncing local changes")

	var results []Result
	for _, change := range changes {
		action, err := q.apply(ctx, change)
		metrics.RecordFlushItem(change.Kind.String(), err)

		logger := log.WithFields(log.Fields{
			"path":  change.Path,
			"event": change.Kind,
		})
		switch {
		case errors.IsUnknownID(err):
			// Already warned about when the queue was created.
			logger.WithError(err).Debug("Failed to sync change")
		case err != nil:
			logger.WithError(err).Warn("Failed to sync change")
		default:
			logger.WithField("action", action).Info("Synced change")
		}
		results = append(results, Result{Change: change, Action: action, Err: err})
	}

	if q.afterFlush != nil {
		q.afterFlush(results)
	}
	return results
}

// Stop cancels the pending flush and discards queued changes. Events
// received after Stop are ignored.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.order = nil
	q.pending = map[string]PendingChange{}
}

func (q *Queue) apply(ctx context.Context, change PendingChange) (Action, error) {
	if change.Kind == fswatch.Deleted {
		return q.delete(ctx, change.Path)
	}
	return q.upsert(ctx, change.Path)
}

func (q *Queue) delete(ctx context.Context, relPath string) (Action, error) {
	entry, err := q.resolver.Resolve(relPath)
	if err != nil {
		if errors.IsNotFound(err) {
			log.WithField("path", relPath).Debug("Deleted file was never synced")
			return Skipped, nil
		}
		return "", err
	}

	if entry.IsRoot() {
		return "", errors.UnsupportedOperation{Op: "delete", Path: relPath,
			Reason: "the project root can't be deleted"}
	}
	if !entry.Ref.HasID() {
		return "", errors.UnsupportedOperation{Op: "delete", Path: relPath,
			Reason: errors.UnknownIDReason}
	}

	err = q.client.DeleteEntity(ctx, q.projectID, entry.Kind.EntityType(), entry.Ref.ID)
	if err != nil && !errors.IsNotFound(err) {
		return "", errors.WithContext(err, "delete")
	}
	q.registry.Remove(relPath)
	return Deleted, nil
}

func (q *Queue) upsert(ctx context.Context, relPath string) (Action, error) {
	localPath := filepath.Join(q.dir, filepath.FromSlash(relPath))
	contents, err := afero.ReadFile(fs, localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.FileNotFound{Path: localPath}
		}
		return "", errors.WithContext(err, "read")
	}

	entry, err := q.resolver.Resolve(relPath)
	switch {
	case err == nil:
		return q.update(ctx, entry, contents)
	case !errors.IsNotFound(err):
		return "", err
	}

	parentID, err := q.resolver.EnsureFolderPath(ctx, parentDir(relPath))
	if err != nil {
		return "", errors.WithContext(err, "ensure parent folder")
	}

	name := path.Base(relPath)
	if !IsDocument(name, contents) {
		id, err := q.client.UploadFile(ctx, q.projectID, parentID, name, contents)
		if err != nil {
			return "", errors.WithContext(err, "upload")
		}
		if err := q.record(relPath, id, registry.BinaryFile); err != nil {
			return "", err
		}
		return Uploaded, nil
	}

	id, err := q.client.CreateDocument(ctx, q.projectID, parentID, name)
	if err != nil {
		return "", errors.WithContext(err, "create document")
	}
	// The document is recorded before its content is pushed, so that a
	// failed push is retried as an update rather than a second create.
	if err := q.record(relPath, id, registry.Document); err != nil {
		return "", err
	}
	if err := q.client.UpdateDocument(ctx, q.projectID, id, string(contents)); err != nil {
		return "", errors.WithContext(err, "set content")
	}
	return Created, nil
}

func (q *Queue) update(ctx context.Context, entry registry.Entry, contents []byte) (Action, error) {
	switch {
	case entry.Kind == registry.Folder:
		return "", errors.UnsupportedOperation{Op: "update", Path: entry.Path,
			Reason: "a folder exists at this path"}
	case entry.Kind == registry.BinaryFile:
		return "", errors.UnsupportedOperation{Op: "update", Path: entry.Path,
			Reason: "binary files can't be replaced in place"}
	case !entry.Ref.HasID():
		return "", errors.UnsupportedOperation{Op: "update", Path: entry.Path,
			Reason: errors.UnknownIDReason}
	}

	err := q.client.UpdateDocument(ctx, q.projectID, entry.Ref.ID, string(contents))
	if err != nil {
		return "", errors.WithContext(err, "update document")
	}
	return Updated, nil
}

func (q *Queue) record(relPath, id string, kind registry.Kind) error {
	err := q.registry.Insert(registry.Entry{
		Ref:  registry.ByID(id),
		Kind: kind,
		Path: relPath,
	})
	return errors.WithContext(err, "record "+relPath)
}

func parentDir(relPath string) string {
	dir := path.Dir(relPath)
	if dir == "." {
		return ""
	}
	return dir
}
