package session

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/fswatch"
	"github.com/sidkik/olsync/pkg/ot"
	"github.com/sidkik/olsync/pkg/realtime"
	"github.com/sidkik/olsync/pkg/remote"
	"github.com/sidkik/olsync/pkg/remote/mocks"
)

const waitFor = 5 * time.Second

type fakeWatcher struct {
	events    chan fswatch.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (w *fakeWatcher) Events() <-chan fswatch.Event { return w.events }

func (w *fakeWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

type applied struct {
	DocID   string
	Version int
	Ops     ot.Ops
}

// fakeTransport serves a single project from memory.
type fakeTransport struct {
	mu      sync.Mutex
	docs    map[string]realtime.DocState
	applied chan applied

	events    chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		docs:    map[string]realtime.DocState{"d1": {Content: "hello", Version: 1}},
		applied: make(chan applied, 8),
		events:  make(chan realtime.Event),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) JoinProject(ctx context.Context, projectID string) (realtime.ProjectInfo, error) {
	return realtime.ProjectInfo{
		Snapshot: remote.Snapshot{
			ProjectID:    projectID,
			RootFolderID: "root",
			Entities:     []remote.Entity{{ID: "d1", Path: "main.tex", Type: remote.TypeDoc}},
		},
		Permission:      "owner",
		ProtocolVersion: "2",
	}, nil
}

func (t *fakeTransport) JoinDoc(ctx context.Context, docID string) (realtime.DocState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.docs[docID], nil
}

func (t *fakeTransport) ApplyUpdate(ctx context.Context, docID string, version int, ops ot.Ops) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.docs[docID]
	if version != state.Version {
		return errors.StaleVersion{DocID: docID, Version: version}
	}
	content, err := ot.Apply(state.Content, ops)
	if err != nil {
		return err
	}
	t.docs[docID] = realtime.DocState{Content: content, Version: version + 1}
	t.applied <- applied{DocID: docID, Version: version, Ops: ops}
	return nil
}

func (t *fakeTransport) setDoc(id, content string, version int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs[id] = realtime.DocState{Content: content, Version: version}
}

func (t *fakeTransport) Events() <-chan realtime.Event { return t.events }
func (t *fakeTransport) Done() <-chan struct{}         { return t.done }
func (t *fakeTransport) Err() error                    { return errors.New("connection reset") }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

type testEnv struct {
	dir       string
	watcher   *fakeWatcher
	transport *fakeTransport
	client    *mocks.Client
	manager   *Manager

	mu      sync.Mutex
	records []config.Project
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		dir: t.TempDir(),
		watcher: &fakeWatcher{
			events: make(chan fswatch.Event),
			closed: make(chan struct{}),
		},
		transport: newFakeTransport(),
		client:    &mocks.Client{},
	}

	watch = func(cfg fswatch.Config) (watcher, error) {
		return env.watcher, nil
	}
	writeProject = func(p config.Project) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.records = append(env.records, p)
		return nil
	}
	getpid = func() int { return 42 }

	env.manager = NewManager(Config{
		Client: env.client,
		Dial: func(ctx context.Context) (realtime.Transport, error) {
			return env.transport, nil
		},
		QuietPeriod: 200 * time.Millisecond,
	})
	return env
}

func (env *testEnv) lastRecord() config.Project {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.records[len(env.records)-1]
}

func (env *testEnv) readFile(t *testing.T, name string) string {
	contents, err := ioutil.ReadFile(filepath.Join(env.dir, name))
	require.NoError(t, err)
	return string(contents)
}

func (env *testEnv) writeFile(t *testing.T, name, contents string) {
	require.NoError(t, ioutil.WriteFile(filepath.Join(env.dir, name), []byte(contents), 0644))
}

func (env *testEnv) localEvent(t *testing.T, kind fswatch.EventKind, path string) {
	select {
	case env.watcher.events <- fswatch.Event{Kind: kind, Path: path}:
	case <-time.After(waitFor):
		t.Fatal("session didn't receive local event")
	}
}

func TestRealtimeSession(t *testing.T) {
	env := newTestEnv(t)
	notifications, unsubscribe := env.manager.Subscribe()
	defer unsubscribe()

	s, err := env.manager.StartSync(context.Background(), "p1", env.dir, Realtime)
	require.NoError(t, err)
	defer env.manager.StopAll()

	// Joining the project wrote the missing document.
	assert.Equal(t, "hello", env.readFile(t, "main.tex"))
	assert.Equal(t, map[string]Status{"p1": Active}, env.manager.Status())

	record := env.lastRecord()
	assert.True(t, record.Active)
	assert.Equal(t, 42, record.PID)
	assert.Equal(t, "realtime", record.LastSyncMode)

	// A remote edit is written to disk and announced.
	env.transport.setDoc("d1", "hello!", 2)
	env.transport.events <- realtime.Event{
		Kind:   realtime.DocUpdated,
		Update: realtime.Update{DocID: "d1", Version: 2, Ops: ot.Ops{{Insert: "!", Position: 5}}},
	}
	select {
	case n := <-notifications:
		assert.Equal(t, realtime.Notification{Kind: realtime.RemoteChange,
			ProjectID: "p1", Path: "main.tex", EntityID: "d1", Version: 2}, n)
	case <-time.After(waitFor):
		t.Fatal("no notification")
	}
	assert.Equal(t, "hello!", env.readFile(t, "main.tex"))

	// A local edit is submitted against the new version.
	env.writeFile(t, "main.tex", "hello! world")
	env.localEvent(t, fswatch.Modified, "main.tex")
	select {
	case update := <-env.transport.applied:
		assert.Equal(t, 2, update.Version)
	case <-time.After(waitFor):
		t.Fatal("local edit wasn't sent")
	}

	doc, ok := s.Channel().Doc("d1")
	require.True(t, ok)
	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, "hello! world", doc.Content)
}

func TestTransportLossStopsSession(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.manager.StartSync(context.Background(), "p1", env.dir, Realtime)
	require.NoError(t, err)

	env.transport.Close()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session didn't stop")
	}
	assert.True(t, errors.IsRemoteUnavailable(s.Err()))
	assert.True(t, errors.IsRetryable(s.Err()))

	// The watcher is stopped with the session, and the project isn't
	// reconnected.
	<-env.watcher.closed
	assert.Eventually(t, func() bool {
		return env.manager.Status()["p1"] == Inactive
	}, waitFor, 10*time.Millisecond)
	assert.False(t, env.lastRecord().Active)
}

func TestUploadSession(t *testing.T) {
	env := newTestEnv(t)
	env.client.On("ListEntities", mock.Anything, "p1").Return(remote.Snapshot{
		ProjectID:    "p1",
		RootFolderID: "root",
		Entities:     []remote.Entity{{ID: "d1", Path: "main.tex", Type: remote.TypeDoc}},
	}, nil)

	updated := make(chan string, 4)
	env.client.On("UpdateDocument", mock.Anything, "p1", "d1", mock.Anything).
		Run(func(args mock.Arguments) { updated <- args.String(3) }).
		Return(nil)

	s, err := env.manager.StartSync(context.Background(), "p1", env.dir, Upload)
	require.NoError(t, err)

	env.writeFile(t, "main.tex", "draft 1")
	env.localEvent(t, fswatch.Modified, "main.tex")
	env.writeFile(t, "main.tex", "draft 2")
	env.localEvent(t, fswatch.Modified, "main.tex")

	select {
	case content := <-updated:
		assert.Equal(t, "draft 2", content)
	case <-time.After(waitFor):
		t.Fatal("change wasn't uploaded")
	}

	require.NoError(t, env.manager.StopSync("p1"))
	assert.Nil(t, s.Err())
	assert.Equal(t, map[string]Status{"p1": Inactive}, env.manager.Status())
	assert.False(t, env.lastRecord().Active)
	env.client.AssertNumberOfCalls(t, "UpdateDocument", 1)
}

func TestUploadSessionListFailure(t *testing.T) {
	env := newTestEnv(t)
	env.client.On("ListEntities", mock.Anything, "p1").Return(remote.Snapshot{},
		errors.RemoteUnavailable{Op: "list entities"})

	_, err := env.manager.StartSync(context.Background(), "p1", env.dir, Upload)
	assert.True(t, errors.IsRemoteUnavailable(err))
	<-env.watcher.closed
	assert.Empty(t, env.manager.Status())
}

func TestOneSessionPerProject(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.StartSync(context.Background(), "p1", env.dir, Realtime)
	require.NoError(t, err)
	defer env.manager.StopAll()

	_, err = env.manager.StartSync(context.Background(), "p1", t.TempDir(), Upload)
	assert.IsType(t, errors.FriendlyError{}, err)

	assert.Error(t, env.manager.StopSync("unknown"))
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("upload")
	assert.NoError(t, err)
	assert.Equal(t, Upload, mode)

	_, err = ParseMode("git")
	assert.Error(t, err)
}
