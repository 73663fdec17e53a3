// Package remote is the client for the remote project service. The service is
// treated as an opaque request/response API: it lists a project's entities and
// creates, updates, downloads and deletes them.
package remote

//go:generate mockery -name Client

import (
	"context"
	"strings"
)

// EntityType is the kind of a remote entity, as named on the wire.
type EntityType string

const (
	// TypeFolder is a folder.
	TypeFolder EntityType = "folder"
	// TypeDoc is an editable text document.
	TypeDoc EntityType = "doc"
	// TypeFile is an uploaded, non-editable file such as an image.
	TypeFile EntityType = "file"
)

// Entity is a single node in the remote project tree.
type Entity struct {
	// ID is the remote identifier. Some listings only return paths, in which
	// case ID is empty.
	ID string `json:"_id,omitempty"`

	// Path is the '/'-separated path of the entity relative to the project
	// root. The service may return it with a leading slash.
	Path string `json:"path"`

	Type EntityType `json:"type"`
}

// Snapshot is a flat listing of a project's entities.
type Snapshot struct {
	ProjectID    string   `json:"project_id"`
	RootFolderID string   `json:"root_folder_id,omitempty"`
	Entities     []Entity `json:"entities"`
}

// Client is the interface for the remote project service.
type Client interface {
	ListEntities(ctx context.Context, projectID string) (Snapshot, error)
	CreateFolder(ctx context.Context, projectID, parentID, name string) (string, error)
	CreateDocument(ctx context.Context, projectID, parentID, name string) (string, error)
	UpdateDocument(ctx context.Context, projectID, docID, content string) error
	UploadFile(ctx context.Context, projectID, parentID, name string, contents []byte) (string, error)
	DeleteEntity(ctx context.Context, projectID string, entityType EntityType, id string) error
	GetDocument(ctx context.Context, projectID, docID string) (string, error)
	DownloadFile(ctx context.Context, projectID, fileID string) ([]byte, error)
}

// SplitLines converts document content into the line array used on the wire.
func SplitLines(content string) []string {
	return strings.Split(content, "\n")
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
