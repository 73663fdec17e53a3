package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/ot"
	"github.com/sidkik/olsync/pkg/remote"
	"github.com/sidkik/olsync/pkg/socketio"
)

// updateSource is reported to other editors as the origin of our updates.
const updateSource = "olsync"

// socket is the subset of *socketio.Client used by the Overleaf transport.
type socket interface {
	Emit(ctx context.Context, name string, args ...interface{}) ([]json.RawMessage, error)
	Events() <-chan socketio.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// OverleafConfig contains the settings for connecting to an Overleaf server.
type OverleafConfig struct {
	ServerURL string
	Cookie    string
}

// DialOverleaf returns a Dialer that connects to the realtime service of an
// Overleaf server.
func DialOverleaf(cfg OverleafConfig) Dialer {
	return func(ctx context.Context) (Transport, error) {
		header := http.Header{}
		if cfg.Cookie != "" {
			header.Set("Cookie", cfg.Cookie)
		}

		sock, err := socketio.Dial(ctx, socketio.Config{URL: cfg.ServerURL, Header: header})
		if err != nil {
			return nil, err
		}
		return newOverleaf(sock), nil
	}
}

// overleaf is a Transport over Overleaf's socket.io protocol.
type overleaf struct {
	sock   socket
	events chan Event
}

func newOverleaf(sock socket) *overleaf {
	o := &overleaf{sock: sock, events: make(chan Event)}
	go o.translate()
	return o
}

// folder is a folder in the project tree returned by joinProject.
type folder struct {
	ID       string        `json:"_id"`
	Name     string        `json:"name"`
	Folders  []folder      `json:"folders"`
	Docs     []namedEntity `json:"docs"`
	FileRefs []namedEntity `json:"fileRefs"`
}

type namedEntity struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

type project struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name"`
	RootFolder []folder `json:"rootFolder"`
}

func (o *overleaf) JoinProject(ctx context.Context, projectID string) (ProjectInfo, error) {
	args, err := o.emit(ctx, "joinProject", map[string]string{"project_id": projectID})
	if err != nil {
		return ProjectInfo{}, err
	}

	var proj project
	var permission string
	var protocol json.Number
	if err := decodeArgs(args, &proj, &permission, &protocol); err != nil {
		return ProjectInfo{}, errors.WithContext(err, "decode joinProject response")
	}
	if len(proj.RootFolder) == 0 {
		return ProjectInfo{}, errors.New("project has no root folder")
	}

	root := proj.RootFolder[0]
	snapshot := remote.Snapshot{ProjectID: projectID, RootFolderID: root.ID}
	flatten(root, "", &snapshot.Entities)
	return ProjectInfo{
		Snapshot:        snapshot,
		Permission:      permission,
		ProtocolVersion: protocol.String(),
	}, nil
}

func flatten(f folder, dir string, entities *[]remote.Entity) {
	for _, doc := range f.Docs {
		*entities = append(*entities, remote.Entity{
			ID: doc.ID, Path: path.Join(dir, doc.Name), Type: remote.TypeDoc})
	}
	for _, file := range f.FileRefs {
		*entities = append(*entities, remote.Entity{
			ID: file.ID, Path: path.Join(dir, file.Name), Type: remote.TypeFile})
	}
	for _, sub := range f.Folders {
		subPath := path.Join(dir, sub.Name)
		*entities = append(*entities, remote.Entity{
			ID: sub.ID, Path: subPath, Type: remote.TypeFolder})
		flatten(sub, subPath, entities)
	}
}

func (o *overleaf) JoinDoc(ctx context.Context, docID string) (DocState, error) {
	args, err := o.emit(ctx, "joinDoc", docID)
	if err != nil {
		return DocState{}, err
	}

	var lines []string
	var version int
	if err := decodeArgs(args, &lines, &version); err != nil {
		return DocState{}, errors.WithContext(err, "decode joinDoc response")
	}

	for i, line := range lines {
		lines[i] = decodeLine(line)
	}
	return DocState{Content: strings.Join(lines, "\n"), Version: version}, nil
}

// decodeLine decodes a line of a joined document. The server sends each byte
// of the UTF-8 encoding as a separate character.
func decodeLine(line string) string {
	raw := make([]byte, 0, len(line))
	for _, r := range line {
		if r > 0xff {
			return line
		}
		raw = append(raw, byte(r))
	}
	if !utf8.Valid(raw) {
		return line
	}
	return string(raw)
}

type updateMeta struct {
	Source string `json:"source"`
	TS     int64  `json:"ts"`
}

type otUpdate struct {
	Doc   string      `json:"doc"`
	DocID string      `json:"doc_id,omitempty"`
	Op    ot.Ops      `json:"op"`
	V     int         `json:"v"`
	Meta  *updateMeta `json:"meta,omitempty"`
}

func (o *overleaf) ApplyUpdate(ctx context.Context, docID string, version int, ops ot.Ops) error {
	update := otUpdate{
		Doc: docID,
		Op:  ops,
		V:   version,
		Meta: &updateMeta{
			Source: updateSource,
			TS:     time.Now().UnixNano() / int64(time.Millisecond),
		},
	}

	_, err := o.emit(ctx, "applyOtUpdate", docID, update)
	var ackErr ackError
	if errors.As(err, &ackErr) && isVersionError(ackErr.Message) {
		return errors.StaleVersion{DocID: docID, Version: version, Reason: ackErr.Message}
	}
	return err
}

func isVersionError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"version", "too old", "stale"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (o *overleaf) Events() <-chan Event {
	return o.events
}

func (o *overleaf) Done() <-chan struct{} {
	return o.sock.Done()
}

func (o *overleaf) Err() error {
	return o.sock.Err()
}

func (o *overleaf) Close() error {
	return o.sock.Close()
}

// ackError is an error returned as the first argument of an ack.
type ackError struct {
	Event   string
	Message string
}

func (err ackError) Error() string {
	return fmt.Sprintf("%s failed: %s", err.Event, err.Message)
}

// emit emits an event and returns the ack's arguments after the error.
func (o *overleaf) emit(ctx context.Context, name string, args ...interface{}) ([]json.RawMessage, error) {
	resp, err := o.sock.Emit(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}

	if msg := errorMessage(resp[0]); msg != "" {
		return nil, ackError{Event: name, Message: msg}
	}
	return resp[1:], nil
}

// errorMessage returns the message of an error argument, which the server
// sends as null, a string, or an object with a message.
func errorMessage(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "false" {
		return ""
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return msg
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return s
}

// decodeArgs decodes the leading arguments of an event. Missing arguments
// leave their target untouched.
func decodeArgs(args []json.RawMessage, targets ...interface{}) error {
	for i, target := range targets {
		if i >= len(args) {
			break
		}
		if string(args[i]) == "null" {
			continue
		}
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("argument %d: %s", i, err)
		}
	}
	return nil
}

func (o *overleaf) translate() {
	defer close(o.events)

	for {
		select {
		case raw := <-o.sock.Events():
			event, ok := translateEvent(raw)
			if !ok {
				continue
			}
			select {
			case o.events <- event:
			case <-o.sock.Done():
				return
			}
		case <-o.sock.Done():
			return
		}
	}
}

func translateEvent(raw socketio.Event) (Event, bool) {
	logger := log.WithField("event", raw.Name)

	switch raw.Name {
	case "otUpdateApplied":
		var update otUpdate
		if err := decodeArgs(raw.Args, &update); err != nil {
			logger.WithError(err).Warn("Ignoring malformed event")
			return Event{}, false
		}
		docID := update.Doc
		if docID == "" {
			docID = update.DocID
		}
		// The server reports the version the update was applied to.
		return Event{Kind: DocUpdated, Update: Update{
			DocID:   docID,
			Version: update.V + 1,
			Ops:     update.Op,
		}}, true
	case "otUpdateError":
		var msg json.RawMessage
		var update otUpdate
		if err := decodeArgs(raw.Args, &msg, &update); err != nil {
			logger.WithError(err).Warn("Ignoring malformed event")
			return Event{}, false
		}
		return Event{Kind: UpdateError, EntityID: update.Doc, Message: errorMessage(msg)}, true
	case "reciveNewDoc", "reciveNewFile", "reciveNewFolder":
		var parentID string
		var entity namedEntity
		if err := decodeArgs(raw.Args, &parentID, &entity); err != nil {
			logger.WithError(err).Warn("Ignoring malformed event")
			return Event{}, false
		}

		kind := DocAdded
		switch raw.Name {
		case "reciveNewFile":
			kind = FileAdded
		case "reciveNewFolder":
			kind = FolderAdded
		}
		return Event{Kind: kind, ParentID: parentID, EntityID: entity.ID, Name: entity.Name}, true
	case "removeEntity":
		var id string
		if err := decodeArgs(raw.Args, &id); err != nil {
			logger.WithError(err).Warn("Ignoring malformed event")
			return Event{}, false
		}
		return Event{Kind: EntityRemoved, EntityID: id}, true
	default:
		logger.Debug("Ignoring event")
		return Event{}, false
	}
}
