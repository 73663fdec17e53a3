package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/realtime"
	"github.com/sidkik/olsync/pkg/remote"
)

// Status is whether a project is being synced.
type Status string

const (
	// Active means the project has a running session.
	Active Status = "active"
	// Inactive means the project's session stopped.
	Inactive Status = "inactive"
)

// Config is shared by all the sessions started by a Manager.
type Config struct {
	// Client is used for the upload channel, and to download binary files
	// in realtime sessions.
	Client remote.Client

	// Dial opens the realtime transport.
	Dial realtime.Dialer

	// Exclude is added to fswatch.DefaultExcludes.
	Exclude []string

	// Zero values use each package's default.
	StabilityWindow time.Duration
	QuietPeriod     time.Duration
	ConnectTimeout  time.Duration

	// AutoCommit commits the changes synced by upload sessions, if the
	// project directory is a git repository.
	AutoCommit bool
	GitToken   string

	Clock clockwork.Clock
}

// subscriberBuffer is how many notifications a slow subscriber can fall
// behind before notifications to it are dropped.
const subscriberBuffer = 64

// Manager owns the sync sessions of a process. It makes sure that there's at
// most one session, and so one live channel, per project.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	sessions    map[string]*Session
	stopped     map[string]struct{}
	subscribers map[int]chan realtime.Notification
	nextSub     int
}

// NewManager creates a Manager without any sessions.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:         withDefaults(cfg),
		sessions:    map[string]*Session{},
		stopped:     map[string]struct{}{},
		subscribers: map[int]chan realtime.Notification{},
	}
}

// StartSync starts syncing `dir` with the project `projectID`. It returns
// once the session is connected, or fails.
func (m *Manager) StartSync(ctx context.Context, projectID, dir string, mode Mode) (*Session, error) {
	if projectID == "" {
		return nil, errors.MissingFieldError{Field: "projectId"}
	}

	s := newSession(m.cfg, projectID, dir, mode, m.publish)

	m.mu.Lock()
	if existing, ok := m.sessions[projectID]; ok {
		m.mu.Unlock()
		return nil, errors.NewFriendlyError("Project %s is already being synced "+
			"with %q. Stop that sync first.", projectID, existing.Dir)
	}
	m.sessions[projectID] = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, projectID)
		m.mu.Unlock()
		return nil, err
	}

	go func() {
		<-s.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[projectID] == s {
			delete(m.sessions, projectID)
			m.stopped[projectID] = struct{}{}
		}
	}()
	return s, nil
}

// StopSync stops the session for `projectID`, and waits for it to finish.
func (m *Manager) StopSync(projectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return errors.NewFriendlyError("Project %s isn't being synced.", projectID)
	}

	select {
	case <-s.started:
	default:
		return errors.NewFriendlyError("Project %s is still connecting.", projectID)
	}

	s.Stop()

	m.mu.Lock()
	if m.sessions[projectID] == s {
		delete(m.sessions, projectID)
	}
	m.stopped[projectID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// StopAll stops every session.
func (m *Manager) StopAll() {
	for _, projectID := range m.projects() {
		if err := m.StopSync(projectID); err != nil {
			log.WithError(err).WithField("project", projectID).Debug("Failed to stop sync")
		}
	}
}

// Status returns the status of every project that was synced by the
// manager.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := map[string]Status{}
	for projectID := range m.stopped {
		status[projectID] = Inactive
	}
	for projectID := range m.sessions {
		status[projectID] = Active
	}
	return status
}

// Session returns the running session for `projectID`.
func (m *Manager) Session(projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	return s, ok
}

// Subscribe returns a channel that receives the notifications of every
// session. Notifications are dropped if the subscriber falls behind. The
// returned function unsubscribes, and closes the channel.
func (m *Manager) Subscribe() (<-chan realtime.Notification, func()) {
	ch := make(chan realtime.Notification, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(n realtime.Notification) {
	log.WithFields(log.Fields{
		"project": n.ProjectID,
		"path":    n.Path,
		"version": n.Version,
	}).Info(string(n.Kind))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- n:
		default:
			log.WithField("kind", n.Kind).Debug("Dropping notification for slow subscriber")
		}
	}
}

func (m *Manager) projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
