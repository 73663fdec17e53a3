// Package session runs the sync of local project directories. Each Session
// funnels its file watcher, its realtime transport and its upload timer into
// a single loop, so a project's registry and documents are only ever mutated
// from one goroutine. Sessions for different projects share nothing.
package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/fswatch"
	"github.com/sidkik/olsync/pkg/gitsync"
	"github.com/sidkik/olsync/pkg/metrics"
	"github.com/sidkik/olsync/pkg/realtime"
	"github.com/sidkik/olsync/pkg/registry"
	"github.com/sidkik/olsync/pkg/upload"
)

// Mode is the channel a session syncs local changes through.
type Mode string

const (
	// Realtime edits documents through the live collaboration protocol, and
	// applies remote edits to the local files.
	Realtime Mode = "realtime"

	// Upload pushes batches of local changes over the REST API. Remote
	// changes aren't pulled.
	Upload Mode = "upload"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Realtime, Upload:
		return Mode(s), nil
	default:
		return "", errors.NewFriendlyError("Unknown sync mode %q. "+
			"Valid modes are %q and %q.", s, Realtime, Upload)
	}
}

type watcher interface {
	Events() <-chan fswatch.Event
	Close() error
}

// Mocked in tests.
var (
	watch = func(cfg fswatch.Config) (watcher, error) {
		return fswatch.Watch(cfg)
	}
	writeProject = config.WriteProject
	getpid       = os.Getpid
)

// Session syncs a single project directory.
type Session struct {
	ID        string
	ProjectID string
	Dir       string
	Mode      Mode
	StartedAt time.Time

	cfg    Config
	log    *log.Entry
	notify func(realtime.Notification)

	watcher watcher
	channel *realtime.Channel
	queue   *upload.Queue
	flush   chan struct{}

	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newSession(cfg Config, projectID, dir string, mode Mode,
	notify func(realtime.Notification)) *Session {

	id := uuid.New().String()
	return &Session{
		ID:        id,
		ProjectID: projectID,
		Dir:       dir,
		Mode:      mode,
		cfg:       cfg,
		notify:    notify,
		flush:     make(chan struct{}, 1),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		log: log.WithFields(log.Fields{
			"project": projectID,
			"session": id,
			"mode":    mode,
		}),
	}
}

// start connects the session's channel. If it fails, everything that was
// started is stopped again.
func (s *Session) start(ctx context.Context) (err error) {
	w, err := watch(fswatch.Config{
		Root:            s.Dir,
		Exclude:         s.cfg.Exclude,
		StabilityWindow: s.cfg.StabilityWindow,
		Clock:           s.cfg.Clock,
	})
	if err != nil {
		rootCause := errors.RootCause(err)
		if dneErr, ok := rootCause.(errors.FileNotFound); ok {
			return errors.NewFriendlyError("Failed to watch files for syncing.\n"+
				"%q doesn't exist.", dneErr.Path)
		} else if strings.Contains(rootCause.Error(), "too many open files") {
			return errors.NewFriendlyError("Too many files to watch in %q.\n"+
				"Add exclude patterns to the olsync config, or increase the "+
				"file watching limit.", s.Dir)
		}
		return errors.WithContext(err, "watch files")
	}
	s.watcher = w

	defer func() {
		if err != nil {
			s.teardown()
		}
	}()

	switch s.Mode {
	case Realtime:
		err = s.startRealtime(ctx)
	case Upload:
		err = s.startUpload(ctx)
	default:
		err = errors.Errorf("unknown mode %q", s.Mode)
	}
	if err != nil {
		return err
	}

	s.StartedAt = s.cfg.Clock.Now()
	s.record(true)
	metrics.SessionStarted()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	close(s.started)
	go s.run(runCtx)

	s.log.WithField("dir", s.Dir).Info("Started syncing")
	return nil
}

func (s *Session) startRealtime(ctx context.Context) error {
	s.channel = realtime.New(realtime.Config{
		ProjectID:      s.ProjectID,
		Dir:            s.Dir,
		Dial:           s.cfg.Dial,
		Files:          s.cfg.Client,
		ConnectTimeout: s.cfg.ConnectTimeout,
		Notify:         s.notify,
	})
	if err := s.channel.Connect(ctx); err != nil {
		return errors.WithContext(err, "connect")
	}

	// Failures are logged per document, and don't stop the others from
	// syncing.
	if errs := s.channel.JoinAll(ctx); len(errs) != 0 {
		s.log.WithField("failed", len(errs)).Warn("Some documents couldn't be joined")
	}
	return nil
}

func (s *Session) startUpload(ctx context.Context) error {
	reg := registry.New(s.cfg.Client, s.ProjectID)
	if err := reg.Refresh(ctx); err != nil {
		return errors.WithContext(err, "list remote project")
	}

	var afterFlush func([]upload.Result)
	if s.cfg.AutoCommit {
		repo, err := gitsync.Open(s.Dir, gitsync.Options{
			Token: s.cfg.GitToken,
			Push:  true,
		})
		switch {
		case err == nil:
			afterFlush = repo.AfterFlush
		case gitsync.IsNotRepository(err):
			s.log.Info("Not a git repository, so synced changes won't be committed")
		default:
			s.log.WithError(err).Warn("Failed to open git repository, " +
				"so synced changes won't be committed")
		}
	}

	s.queue = upload.New(upload.Config{
		Dir:         s.Dir,
		Client:      s.cfg.Client,
		Registry:    reg,
		QuietPeriod: s.cfg.QuietPeriod,
		Clock:       s.cfg.Clock,
		Trigger:     s.triggerFlush,
		AfterFlush:  afterFlush,
	})
	return nil
}

// triggerFlush is called by the upload queue's timer. The flush itself runs
// in the session loop.
func (s *Session) triggerFlush() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	var err error
	defer func() {
		s.teardown()
		s.finish(err)
	}()

	var remoteEvents <-chan realtime.Event
	var remoteDone <-chan struct{}
	if s.channel != nil {
		remoteEvents = s.channel.Events()
		remoteDone = s.channel.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-s.watcher.Events():
			s.handleLocal(ctx, event)

		case event, ok := <-remoteEvents:
			if !ok {
				remoteEvents = nil
				continue
			}
			if err := s.channel.HandleEvent(ctx, event); err != nil {
				s.log.WithError(err).WithField("event", event.Kind).
					Warn("Failed to handle remote event")
			}

		case <-remoteDone:
			err = errors.RemoteUnavailable{Op: "realtime session", Err: s.channel.Err()}
			s.log.WithError(err).Error("Lost connection to the project. " +
				"Sync has stopped, and must be restarted.")
			return

		case <-s.flush:
			s.queue.Flush(ctx)
		}
	}
}

func (s *Session) handleLocal(ctx context.Context, event fswatch.Event) {
	if s.queue != nil {
		s.queue.OnFileEvent(event.Kind, event.Path)
		return
	}

	err := s.channel.HandleLocalChange(ctx, event.Kind, event.Path)
	if err != nil {
		s.log.WithError(err).WithFields(log.Fields{
			"path":  event.Path,
			"event": event.Kind,
		}).Warn("Failed to sync local change")
	}
}

// teardown stops everything the session started. It's safe to call more
// than once.
func (s *Session) teardown() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.log.WithError(err).Debug("Failed to close watcher")
		}
	}
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.channel != nil {
		s.channel.Disconnect()
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.record(false)
	metrics.SessionStopped()
	s.log.Info("Stopped syncing")
	close(s.done)
}

// record writes the project record, so that the directory can be synced
// again without knowing the project ID.
func (s *Session) record(active bool) {
	project := config.Project{
		ProjectID:    s.ProjectID,
		LocalPath:    s.Dir,
		LastSyncMode: string(s.Mode),
		LastSyncedAt: s.cfg.Clock.Now(),
		Active:       active,
	}
	if active {
		project.PID = getpid()
	}
	if err := writeProject(project); err != nil {
		s.log.WithError(err).Warn("Failed to write project record")
	}
}

// Stop stops syncing and waits for the session to finish. Changes that are
// waiting for the upload quiet period are dropped.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped, or nil if it was stopped by Stop or
// is still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session stops, and returns why.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Channel returns the realtime channel, or nil for upload sessions.
func (s *Session) Channel() *realtime.Channel {
	return s.channel
}

// Pending returns the changes waiting for the upload quiet period, or nil
// for realtime sessions.
func (s *Session) Pending() []upload.PendingChange {
	if s.queue == nil {
		return nil
	}
	return s.queue.Pending()
}

// withDefaults fills in the unset fields of `cfg`.
func withDefaults(cfg Config) Config {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}
