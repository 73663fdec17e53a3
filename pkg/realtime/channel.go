// Package realtime syncs documents through the remote's live collaboration
// protocol. Local edits are diffed into operations and submitted against the
// document's version, and operations pushed by the remote are applied to the
// local files in strict version order.
package realtime

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/fswatch"
	"github.com/sidkik/olsync/pkg/metrics"
	"github.com/sidkik/olsync/pkg/ot"
	"github.com/sidkik/olsync/pkg/registry"
	"github.com/sidkik/olsync/pkg/remote"
)

var fs = afero.NewOsFs()

// DefaultConnectTimeout bounds how long Connect waits for the project to be
// joined.
const DefaultConnectTimeout = 10 * time.Second

// minProtocol is the oldest protocol version the channel has been tested
// against. Older versions are used anyway, with a warning.
var minProtocol = goversion.Must(goversion.NewVersion("2"))

var (
	// ErrNotConnected is returned for operations that need a joined project.
	ErrNotConnected = errors.New("not connected to the project")

	// ErrNotJoined is returned for local changes to a document that hasn't
	// been joined. Remote updates to such documents are dropped.
	ErrNotJoined = errors.New("document hasn't been joined")
)

// State is the connection state of a Channel.
type State int

const (
	// Disconnected means there's no transport.
	Disconnected State = iota
	// Connecting means the transport is being opened and the project joined.
	Connecting
	// Joined means the project was joined, but none of its documents.
	Joined
	// DocActive means at least one document is joined.
	DocActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case DocActive:
		return "doc-active"
	default:
		return "unknown"
	}
}

// Document is the channel's view of a remote document.
type Document struct {
	ID   string
	Path string

	// Version only ever increases while the document is active.
	Version int

	// Content is the last content known to match the remote at Version.
	Content string

	// PendingVersion is the first version claimed by an acknowledged local
	// update whose echo hasn't arrived yet. It's zero once the remote has
	// confirmed every local update.
	PendingVersion int

	// Active is set once the document has been joined.
	Active bool
}

// NotificationKind is the type of a Notification.
type NotificationKind string

const (
	// RemoteChange means a remote update was written to a local file.
	RemoteChange NotificationKind = "remote-change"
	// RemoteAdd means an entity was created remotely.
	RemoteAdd NotificationKind = "remote-add"
	// RemoteDelete means an entity was deleted remotely.
	RemoteDelete NotificationKind = "remote-delete"
)

// Notification describes a remote change that was applied locally.
type Notification struct {
	Kind      NotificationKind
	ProjectID string
	Path      string
	EntityID  string
	Version   int
}

// Config configures a Channel.
type Config struct {
	ProjectID string

	// Dir is the local project directory.
	Dir string

	Dial Dialer

	// Registry is loaded from the project tree on Connect. A new one is
	// created if it's nil.
	Registry *registry.Registry

	// Files is used to download binary files added remotely. If it's nil,
	// they're only recorded in the registry.
	Files remote.Client

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Notify is called for every remote change applied locally.
	Notify func(Notification)
}

// Channel is a realtime session for a single project. Its methods are
// serialized by a mutex, but callers are expected to drive it from a single
// goroutine so that events are handled in the order they arrive.
type Channel struct {
	projectID      string
	dir            string
	dial           Dialer
	registry       *registry.Registry
	files          remote.Client
	connectTimeout time.Duration
	notify         func(Notification)

	mu        sync.Mutex
	state     State
	transport Transport
	docs      map[string]*Document
	paths     map[string]string
}

// New creates a disconnected Channel.
func New(cfg Config) *Channel {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(cfg.Files, cfg.ProjectID)
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Notification) {}
	}

	return &Channel{
		projectID:      cfg.ProjectID,
		dir:            cfg.Dir,
		dial:           cfg.Dial,
		registry:       cfg.Registry,
		files:          cfg.Files,
		connectTimeout: cfg.ConnectTimeout,
		notify:         cfg.Notify,
		docs:           map[string]*Document{},
		paths:          map[string]string{},
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Joined {
		for _, doc := range c.docs {
			if doc.Active {
				return DocActive
			}
		}
	}
	return c.state
}

// Registry returns the project tree.
func (c *Channel) Registry() *registry.Registry {
	return c.registry
}

// Events returns the events pushed by the remote, or nil if the channel
// isn't connected.
func (c *Channel) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	return c.transport.Events()
}

// Done is closed when the transport is lost. It's nil if the channel isn't
// connected.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	return c.transport.Done()
}

// Err returns why the transport was lost.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.Err()
}

// Doc returns a copy of the document with ID `id`.
func (c *Channel) Doc(id string) (Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// Docs returns a copy of every document, sorted by path.
func (c *Channel) Docs() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Path < docs[j].Path
	})
	return docs
}

// Connect opens the transport and joins the project. The documents of the
// project are indexed, but none are joined. If the project isn't joined
// within the connect timeout, the transport is discarded and a Timeout is
// returned.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Disconnected {
		return fmt.Errorf("channel is already %s", c.state)
	}
	c.state = Connecting

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	t, info, err := c.joinProject(ctx)
	if err != nil {
		c.state = Disconnected
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Timeout{Op: "join project", After: c.connectTimeout}
		}
		return err
	}

	if err := c.registry.Load(info.Snapshot); err != nil {
		t.Close()
		c.state = Disconnected
		return err
	}

	c.docs = map[string]*Document{}
	c.paths = map[string]string{}
	for _, entry := range c.registry.Entries() {
		if entry.Kind == registry.Document && entry.Ref.HasID() {
			c.index(entry.Ref.ID, entry.Path)
		}
	}

	c.transport = t
	c.state = Joined

	checkProtocol(info.ProtocolVersion)
	logger := log.WithFields(log.Fields{
		"project":    c.projectID,
		"permission": info.Permission,
		"docs":       len(c.docs),
	})
	if info.Permission == "readOnly" {
		logger.Warn("Joined project read-only. Local edits will be rejected")
	} else {
		logger.Info("Joined project")
	}
	return nil
}

func (c *Channel) joinProject(ctx context.Context) (Transport, ProjectInfo, error) {
	t, err := c.dial(ctx)
	if err != nil {
		return nil, ProjectInfo{}, err
	}

	info, err := t.JoinProject(ctx, c.projectID)
	if err != nil {
		t.Close()
		return nil, ProjectInfo{}, errors.WithContext(err, "join project")
	}
	return t, info, nil
}

func checkProtocol(v string) {
	if v == "" {
		return
	}

	parsed, err := goversion.NewVersion(v)
	if err != nil {
		log.WithError(err).WithField("version", v).Debug("Failed to parse protocol version")
		return
	}
	if parsed.LessThan(minProtocol) {
		log.WithField("version", v).Warn("Unsupported protocol version. Sync may misbehave")
	}
}

// JoinDoc fetches the authoritative content and version of a document and
// activates it. The local file is reconciled with the remote content:
//   - A missing file is written.
//   - On the first join, a differing file wins and is sent as an update.
//   - On a rejoin, edits made to the file since the last known content are
//     rebased onto the new content.
func (c *Channel) JoinDoc(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinDoc(ctx, id)
}

// JoinAll joins every indexed document. Failures are isolated to the
// document they happen on, and are returned.
func (c *Channel) JoinAll(ctx context.Context) []error {
	var errs []error
	for _, doc := range c.Docs() {
		if err := c.JoinDoc(ctx, doc.ID); err != nil {
			log.WithError(err).WithField("path", doc.Path).Error("Failed to join document")
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Channel) joinDoc(ctx context.Context, id string) error {
	if c.transport == nil {
		return ErrNotConnected
	}

	doc, ok := c.docs[id]
	if !ok {
		return errors.NotFound{Path: id}
	}

	state, err := c.transport.JoinDoc(ctx, id)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("join %s", doc.Path))
	}

	prev := *doc
	doc.Content = state.Content
	doc.Version = state.Version
	doc.PendingVersion = 0
	doc.Active = true
	log.WithFields(log.Fields{
		"path":    doc.Path,
		"version": doc.Version,
	}).Debug("Joined document")

	local, err := c.readLocal(doc.Path)
	switch {
	case os.IsNotExist(err):
		return c.writeLocal(doc.Path, doc.Content)
	case err != nil:
		return err
	case local == doc.Content:
		return nil
	case prev.Active:
		merged, clean := ot.Rebase(prev.Content, local, doc.Content)
		if !clean {
			log.WithField("path", doc.Path).Warn(
				"Local edits conflict with the remote content. Some of them were dropped")
		}
		return c.writeLocal(doc.Path, merged)
	default:
		log.WithField("path", doc.Path).Info("Local copy differs from the remote. Sending it")
		return c.sendUpdate(ctx, doc, doc.Content, local)
	}
}

// HandleRemoteUpdate applies an update pushed by the remote. It's applied
// only if it's the next version of the document. Duplicates and updates that
// skip a version are logged and dropped. If the update doesn't apply to the
// known content, the document is rejoined.
func (c *Channel) HandleRemoteUpdate(ctx context.Context, update Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[update.DocID]
	if !ok || !doc.Active {
		metrics.RecordRemoteUpdate(metrics.UpdateNotJoined)
		log.WithField("doc", update.DocID).Debug("Dropping update for document that isn't joined")
		return nil
	}

	logger := log.WithFields(log.Fields{
		"path":    doc.Path,
		"version": update.Version,
		"current": doc.Version,
	})
	switch {
	case update.Version <= doc.Version:
		if len(update.Ops) > 0 && doc.PendingVersion > 0 && update.Version >= doc.PendingVersion {
			// The remote ordered this update before our own, so the content
			// at doc.Version is missing it.
			metrics.RecordRemoteUpdate(metrics.UpdateConcurrent)
			logger.Info("Remote update raced a local one. Rejoining document")
			if err := c.joinDoc(ctx, doc.ID); err != nil {
				return err
			}
			c.notify(Notification{
				Kind:      RemoteChange,
				ProjectID: c.projectID,
				Path:      doc.Path,
				EntityID:  doc.ID,
				Version:   doc.Version,
			})
			return nil
		}

		metrics.RecordRemoteUpdate(metrics.UpdateDuplicate)
		if len(update.Ops) == 0 {
			confirm(doc, update.Version)
			logger.Debug("Own update acknowledged")
		} else {
			logger.Warn("Dropping duplicate remote update")
		}
		return nil
	case update.Version > doc.Version+1:
		metrics.RecordRemoteUpdate(metrics.UpdateGap)
		logger.Warn("Dropping out of order remote update")
		return nil
	}

	next, err := ot.Apply(doc.Content, update.Ops)
	if err != nil {
		metrics.RecordRemoteUpdate(metrics.UpdateFailed)
		logger.WithError(err).Warn("Remote update doesn't apply. Rejoining document")
		return c.joinDoc(ctx, doc.ID)
	}

	prev := doc.Content
	doc.Content = next
	doc.Version = update.Version
	if err := c.writeMerged(doc.Path, prev, next); err != nil {
		metrics.RecordRemoteUpdate(metrics.UpdateFailed)
		return err
	}

	metrics.RecordRemoteUpdate(metrics.UpdateApplied)
	logger.Debug("Applied remote update")
	c.notify(Notification{
		Kind:      RemoteChange,
		ProjectID: c.projectID,
		Path:      doc.Path,
		EntityID:  doc.ID,
		Version:   doc.Version,
	})
	return nil
}

// SendUpdate submits the edit from `oldContent` to `newContent`. On
// acknowledgement, the document's version is incremented and its content set
// to `newContent`. If the remote rejects the version, the document is
// rejoined, the edit is rebased onto the fresh content, and it's retried
// once.
func (c *Channel) SendUpdate(ctx context.Context, id, oldContent, newContent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ErrNotConnected
	}
	doc, ok := c.docs[id]
	if !ok {
		return errors.NotFound{Path: id}
	}
	return c.sendUpdate(ctx, doc, oldContent, newContent)
}

func (c *Channel) sendUpdate(ctx context.Context, doc *Document, oldContent, newContent string) (err error) {
	if !doc.Active {
		return ErrNotJoined
	}
	defer func() {
		if err != nil {
			metrics.RecordLocalUpdate(err)
			err = errors.WithContext(err, fmt.Sprintf("send update to %s", doc.Path))
		}
	}()

	edited := newContent
	if oldContent != doc.Content {
		merged, clean := ot.Rebase(oldContent, newContent, doc.Content)
		if !clean {
			log.WithField("path", doc.Path).Warn(
				"Edit was made against outdated content. Some of it was dropped")
		}
		oldContent, newContent = doc.Content, merged
	}

	ops := ot.Diff(oldContent, newContent)
	if len(ops) == 0 {
		return nil
	}

	err = c.transport.ApplyUpdate(ctx, doc.ID, doc.Version, ops)
	if errors.IsStaleVersion(err) {
		log.WithError(err).WithField("path", doc.Path).Info("Update rejected. Rejoining document")
		if err := c.joinDoc(ctx, doc.ID); err != nil {
			return err
		}

		merged, clean := ot.Rebase(oldContent, newContent, doc.Content)
		if !clean {
			log.WithField("path", doc.Path).Warn(
				"Local edits conflict with the remote content. Some of them were dropped")
		}
		oldContent, newContent = doc.Content, merged
		ops = ot.Diff(oldContent, newContent)
		if len(ops) == 0 {
			return nil
		}
		err = c.transport.ApplyUpdate(ctx, doc.ID, doc.Version, ops)
	}
	if err != nil {
		return err
	}

	doc.Version++
	doc.Content = newContent
	if doc.PendingVersion == 0 {
		doc.PendingVersion = doc.Version
	}
	metrics.RecordLocalUpdate(nil)
	log.WithFields(log.Fields{
		"path":    doc.Path,
		"version": doc.Version,
		"ops":     len(ops),
	}).Info("Sent update")

	// The file still holds the edit as it was made, not as it was rebased.
	if newContent != edited {
		return c.writeMerged(doc.Path, edited, newContent)
	}
	return nil
}

// confirm records that the remote echoed our update at `version`.
func confirm(doc *Document, version int) {
	switch {
	case doc.PendingVersion == 0 || version < doc.PendingVersion:
	case version >= doc.Version:
		doc.PendingVersion = 0
	default:
		doc.PendingVersion = version + 1
	}
}

// HandleLocalChange sends the current content of a changed local file.
// Changes to files that aren't remote documents, and local deletions, are
// logged and otherwise ignored.
func (c *Channel) HandleLocalChange(ctx context.Context, kind fswatch.EventKind, relPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	relPath = registry.Normalize(relPath)
	logger := log.WithField("path", relPath)

	id, ok := c.paths[relPath]
	if kind == fswatch.Deleted {
		if ok {
			logger.Warn("Document deleted locally. The remote copy is kept")
		}
		return nil
	}
	if !ok {
		logger.Info("Not a remote document. Ignoring local change")
		return nil
	}

	doc := c.docs[id]
	if !doc.Active {
		return ErrNotJoined
	}

	local, err := c.readLocal(relPath)
	if err != nil {
		return err
	}
	if local == doc.Content {
		logger.Debug("Local file matches the remote. Nothing to send")
		return nil
	}
	return c.sendUpdate(ctx, doc, doc.Content, local)
}

// HandleEvent handles an event pushed by the remote.
func (c *Channel) HandleEvent(ctx context.Context, event Event) error {
	switch event.Kind {
	case DocUpdated:
		return c.HandleRemoteUpdate(ctx, event.Update)
	case DocAdded, FileAdded, FolderAdded:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.addEntity(ctx, event)
	case EntityRemoved:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeEntity(event.EntityID)
		return nil
	case UpdateError:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.handleUpdateError(ctx, event)
	default:
		log.WithField("kind", event.Kind).Debug("Ignoring remote event")
		return nil
	}
}

func (c *Channel) addEntity(ctx context.Context, event Event) error {
	parent, ok := c.registry.GetByID(event.ParentID)
	if !ok {
		return errors.WithContext(errors.NotFound{Path: event.ParentID},
			fmt.Sprintf("add %s", event.Name))
	}

	kind := registry.Document
	switch event.Kind {
	case FileAdded:
		kind = registry.BinaryFile
	case FolderAdded:
		kind = registry.Folder
	}

	relPath := path.Join(parent.Path, event.Name)
	if existing, ok := c.registry.Get(relPath); ok && existing.Ref.ID == event.EntityID {
		return nil
	}

	err := c.registry.Insert(registry.Entry{
		Ref:  registry.ByID(event.EntityID),
		Kind: kind,
		Name: event.Name,
		Path: relPath,
	})
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("add %s", relPath))
	}
	log.WithFields(log.Fields{
		"path": relPath,
		"kind": kind,
	}).Info("Entity added remotely")

	switch kind {
	case registry.Folder:
		if err := fs.MkdirAll(c.localPath(relPath), 0755); err != nil {
			return errors.WithContext(err, "create folder")
		}
	case registry.Document:
		c.index(event.EntityID, relPath)
		if err := c.joinDoc(ctx, event.EntityID); err != nil {
			return err
		}
	case registry.BinaryFile:
		if err := c.download(ctx, event.EntityID, relPath); err != nil {
			return err
		}
	}

	c.notify(Notification{
		Kind:      RemoteAdd,
		ProjectID: c.projectID,
		Path:      relPath,
		EntityID:  event.EntityID,
	})
	return nil
}

func (c *Channel) download(ctx context.Context, id, relPath string) error {
	if c.files == nil {
		return nil
	}

	contents, err := c.files.DownloadFile(ctx, c.projectID, id)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("download %s", relPath))
	}
	return c.writeLocalBytes(relPath, contents)
}

func (c *Channel) removeEntity(id string) {
	entry, ok := c.registry.GetByID(id)
	if !ok {
		log.WithField("id", id).Debug("Ignoring removal of unknown entity")
		return
	}

	c.registry.Remove(entry.Path)
	for docPath, docID := range c.paths {
		if docPath == entry.Path || strings.HasPrefix(docPath, entry.Path+"/") {
			delete(c.paths, docPath)
			delete(c.docs, docID)
		}
	}

	log.WithField("path", entry.Path).Info("Entity deleted remotely. The local copy is kept")
	c.notify(Notification{
		Kind:      RemoteDelete,
		ProjectID: c.projectID,
		Path:      entry.Path,
		EntityID:  id,
	})
}

func (c *Channel) handleUpdateError(ctx context.Context, event Event) error {
	doc, ok := c.docs[event.EntityID]
	if !ok {
		log.WithField("doc", event.EntityID).WithField("error", event.Message).Error(
			"Remote failed to apply update")
		return nil
	}

	log.WithField("path", doc.Path).WithField("error", event.Message).Error(
		"Remote failed to apply update. Rejoining document")
	if !doc.Active {
		return nil
	}
	return c.joinDoc(ctx, doc.ID)
}

// Disconnect closes the transport. It's safe to call in any state, and more
// than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			log.WithError(err).Debug("Failed to close transport")
		}
		c.transport = nil
		log.WithField("project", c.projectID).Info("Disconnected")
	}
	for _, doc := range c.docs {
		doc.Active = false
	}
	c.state = Disconnected
}

func (c *Channel) index(id, relPath string) {
	c.docs[id] = &Document{ID: id, Path: relPath}
	c.paths[relPath] = id
}

// writeMerged writes `next` to a file that was last known to contain `prev`.
// If the file was edited since, the edit is rebased onto `next`.
func (c *Channel) writeMerged(relPath, prev, next string) error {
	local, err := c.readLocal(relPath)
	if err != nil || local == prev {
		return c.writeLocal(relPath, next)
	}
	if local == next {
		return nil
	}

	merged, clean := ot.Rebase(prev, local, next)
	if !clean {
		log.WithField("path", relPath).Warn(
			"Local edits conflict with a remote update. Some of them were dropped")
	}
	return c.writeLocal(relPath, merged)
}

func (c *Channel) localPath(relPath string) string {
	return filepath.Join(c.dir, filepath.FromSlash(relPath))
}

func (c *Channel) readLocal(relPath string) (string, error) {
	contents, err := afero.ReadFile(fs, c.localPath(relPath))
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

func (c *Channel) writeLocal(relPath, content string) error {
	return c.writeLocalBytes(relPath, []byte(content))
}

func (c *Channel) writeLocalBytes(relPath string, contents []byte) error {
	p := c.localPath(relPath)
	if err := fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}
	if err := afero.WriteFile(fs, p, contents, 0644); err != nil {
		return errors.WithContext(err, fmt.Sprintf("write %s", relPath))
	}
	return nil
}
