package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/ot"
	"github.com/sidkik/olsync/pkg/remote"
	"github.com/sidkik/olsync/pkg/socketio"
)

type emitted struct {
	Name string
	Args []interface{}
}

// fakeSocket acks every event with the response registered for its name.
type fakeSocket struct {
	mu        sync.Mutex
	responses map[string]string
	emitted   []emitted

	events    chan socketio.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		responses: map[string]string{},
		events:    make(chan socketio.Event),
		done:      make(chan struct{}),
	}
}

func (s *fakeSocket) Emit(ctx context.Context, name string, args ...interface{}) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emitted = append(s.emitted, emitted{Name: name, Args: args})
	var resp []json.RawMessage
	if err := json.Unmarshal([]byte(s.responses[name]), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *fakeSocket) Events() <-chan socketio.Event { return s.events }
func (s *fakeSocket) Done() <-chan struct{}         { return s.done }
func (s *fakeSocket) Err() error                    { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

const projectResponse = `[null, {
	"_id": "p1",
	"name": "Thesis",
	"rootFolder": [{
		"_id": "root",
		"name": "rootFolder",
		"docs": [{"_id": "d1", "name": "main.tex"}],
		"fileRefs": [],
		"folders": [{
			"_id": "f1",
			"name": "figs",
			"docs": [{"_id": "d2", "name": "caption.tex"}],
			"fileRefs": [{"_id": "b1", "name": "plot.png"}],
			"folders": []
		}]
	}]
}, "owner", 2]`

func TestOverleafJoinProject(t *testing.T) {
	sock := newFakeSocket()
	sock.responses["joinProject"] = projectResponse
	o := newOverleaf(sock)
	defer o.Close()

	info, err := o.JoinProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, ProjectInfo{
		Snapshot: remote.Snapshot{
			ProjectID:    "p1",
			RootFolderID: "root",
			Entities: []remote.Entity{
				{ID: "d1", Path: "main.tex", Type: remote.TypeDoc},
				{ID: "f1", Path: "figs", Type: remote.TypeFolder},
				{ID: "d2", Path: "figs/caption.tex", Type: remote.TypeDoc},
				{ID: "b1", Path: "figs/plot.png", Type: remote.TypeFile},
			},
		},
		Permission:      "owner",
		ProtocolVersion: "2",
	}, info)

	assert.Equal(t, []emitted{{Name: "joinProject",
		Args: []interface{}{map[string]string{"project_id": "p1"}}}}, sock.emitted)
}

func TestOverleafJoinProjectError(t *testing.T) {
	sock := newFakeSocket()
	sock.responses["joinProject"] = `[{"message": "not authorized"}]`
	o := newOverleaf(sock)
	defer o.Close()

	_, err := o.JoinProject(context.Background(), "p1")
	assert.EqualError(t, err, "joinProject failed: not authorized")
}

func TestOverleafJoinDoc(t *testing.T) {
	sock := newFakeSocket()
	// "café" and "naïve", with each UTF-8 byte sent as its own character.
	sock.responses["joinDoc"] = `[null, ["cafÃ©", "naÃ¯ve", "☃ stays"], 42, [], {}]`
	o := newOverleaf(sock)
	defer o.Close()

	state, err := o.JoinDoc(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, DocState{Content: "café\nnaïve\n☃ stays", Version: 42}, state)
}

func TestOverleafApplyUpdate(t *testing.T) {
	sock := newFakeSocket()
	sock.responses["applyOtUpdate"] = `[null]`
	o := newOverleaf(sock)
	defer o.Close()

	ops := ot.Ops{{Insert: "x", Position: 3}}
	require.NoError(t, o.ApplyUpdate(context.Background(), "d1", 5, ops))

	require.Len(t, sock.emitted, 1)
	args := sock.emitted[0].Args
	require.Len(t, args, 2)
	assert.Equal(t, "d1", args[0])

	update := args[1].(otUpdate)
	assert.Equal(t, "d1", update.Doc)
	assert.Equal(t, 5, update.V)
	assert.Equal(t, ops, update.Op)
	assert.Equal(t, updateSource, update.Meta.Source)

	raw, err := json.Marshal(update.Op)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"i": "x", "p": 3}]`, string(raw))
}

func TestOverleafApplyUpdateErrors(t *testing.T) {
	tests := []struct {
		response string
		stale    bool
	}{
		{`[{"message": "Version 4 is too old"}]`, true},
		{`["Delete component does not match"]`, false},
		{`[{"message": "doc is too large"}]`, false},
	}

	for _, test := range tests {
		sock := newFakeSocket()
		sock.responses["applyOtUpdate"] = test.response
		o := newOverleaf(sock)

		err := o.ApplyUpdate(context.Background(), "d1", 4, ot.Ops{{Delete: "a", Position: 0}})
		assert.Error(t, err)
		assert.Equal(t, test.stale, errors.IsStaleVersion(err), test.response)
		o.Close()
	}
}

func TestOverleafEvents(t *testing.T) {
	sock := newFakeSocket()
	o := newOverleaf(sock)
	defer o.Close()

	raw := []socketio.Event{
		{Name: "otUpdateApplied", Args: []json.RawMessage{
			json.RawMessage(`{"doc": "d1", "op": [{"p": 0, "i": "a"}], "v": 7}`)}},
		{Name: "otUpdateApplied", Args: []json.RawMessage{
			json.RawMessage(`{"doc": "d1", "v": 8}`)}},
		{Name: "clientTracking.clientUpdated", Args: []json.RawMessage{json.RawMessage(`{}`)}},
		{Name: "reciveNewDoc", Args: []json.RawMessage{
			json.RawMessage(`"root"`), json.RawMessage(`{"_id": "d3", "name": "new.tex"}`)}},
		{Name: "reciveNewFile", Args: []json.RawMessage{
			json.RawMessage(`"f1"`), json.RawMessage(`{"_id": "b2", "name": "a.png"}`),
			json.RawMessage(`"upload"`)}},
		{Name: "reciveNewFolder", Args: []json.RawMessage{
			json.RawMessage(`"root"`), json.RawMessage(`{"_id": "f2", "name": "ch"}`)}},
		{Name: "removeEntity", Args: []json.RawMessage{
			json.RawMessage(`"d3"`), json.RawMessage(`"editor"`)}},
		{Name: "otUpdateError", Args: []json.RawMessage{
			json.RawMessage(`"Delete component does not match"`),
			json.RawMessage(`{"doc": "d1", "v": 9}`)}},
	}
	exp := []Event{
		{Kind: DocUpdated, Update: Update{DocID: "d1", Version: 8, Ops: ot.Ops{{Insert: "a"}}}},
		{Kind: DocUpdated, Update: Update{DocID: "d1", Version: 9}},
		{Kind: DocAdded, ParentID: "root", EntityID: "d3", Name: "new.tex"},
		{Kind: FileAdded, ParentID: "f1", EntityID: "b2", Name: "a.png"},
		{Kind: FolderAdded, ParentID: "root", EntityID: "f2", Name: "ch"},
		{Kind: EntityRemoved, EntityID: "d3"},
		{Kind: UpdateError, EntityID: "d1", Message: "Delete component does not match"},
	}

	go func() {
		for _, event := range raw {
			sock.events <- event
		}
	}()

	for _, expEvent := range exp {
		select {
		case event := <-o.Events():
			assert.Equal(t, expEvent, event)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	o.Close()
	select {
	case _, ok := <-o.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events weren't closed")
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		line, exp string
	}{
		{"plain ascii", "plain ascii"},
		{"â\u0082¬5", "€5"},
		{"é", "é"},
		{"", ""},
	}
	for _, test := range tests {
		assert.Equal(t, test.exp, decodeLine(test.line), test.line)
	}
}
