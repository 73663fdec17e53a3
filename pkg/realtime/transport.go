package realtime

import (
	"context"

	"github.com/sidkik/olsync/pkg/ot"
	"github.com/sidkik/olsync/pkg/remote"
)

// Transport is a live connection to the remote collaboration service.
type Transport interface {
	// JoinProject subscribes to a project and returns its tree.
	JoinProject(ctx context.Context, projectID string) (ProjectInfo, error)

	// JoinDoc subscribes to a document's updates and returns its
	// authoritative content.
	JoinDoc(ctx context.Context, docID string) (DocState, error)

	// ApplyUpdate submits `ops` computed against `version` of the document.
	// It returns a StaleVersion error if the remote rejects the version.
	ApplyUpdate(ctx context.Context, docID string, version int, ops ot.Ops) error

	// Events returns the events pushed by the remote. The channel is closed
	// when the connection is.
	Events() <-chan Event

	// Done is closed when the connection is closed or lost.
	Done() <-chan struct{}

	// Err returns why the connection was closed.
	Err() error

	Close() error
}

// Dialer opens a new Transport.
type Dialer func(ctx context.Context) (Transport, error)

// ProjectInfo is the response to joining a project.
type ProjectInfo struct {
	Snapshot        remote.Snapshot
	Permission      string
	ProtocolVersion string
}

// DocState is the authoritative state of a document.
type DocState struct {
	Content string
	Version int
}

// EventKind is the type of an Event.
type EventKind int

const (
	// DocUpdated means an update was applied to a document.
	DocUpdated EventKind = iota
	// DocAdded means a document was created.
	DocAdded
	// FileAdded means a binary file was uploaded.
	FileAdded
	// FolderAdded means a folder was created.
	FolderAdded
	// EntityRemoved means an entity and everything under it was deleted.
	EntityRemoved
	// UpdateError means the remote failed to apply an update to a document.
	UpdateError
)

func (kind EventKind) String() string {
	switch kind {
	case DocUpdated:
		return "doc-updated"
	case DocAdded:
		return "doc-added"
	case FileAdded:
		return "file-added"
	case FolderAdded:
		return "folder-added"
	case EntityRemoved:
		return "entity-removed"
	case UpdateError:
		return "update-error"
	default:
		return "unknown"
	}
}

// Update is an operation applied to a document by the remote.
type Update struct {
	DocID string

	// Version is the version of the document after the update is applied.
	Version int

	// Ops is empty when the update is the echo of one sent by this client.
	Ops ot.Ops
}

// Event is an event pushed by the remote.
type Event struct {
	Kind EventKind

	// Update is set for DocUpdated.
	Update Update

	// EntityID is the added or removed entity. For UpdateError, it's the
	// document that failed.
	EntityID string

	// ParentID and Name are set for added entities.
	ParentID string
	Name     string

	// Message describes an UpdateError.
	Message string
}
