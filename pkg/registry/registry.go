// Package registry tracks the remote project tree, and maps local relative
// paths to remote entities.
//
// Entities are identified by a Ref, which is either a remote ID or, when the
// remote listing didn't include one, the entity's path. The kind of identity
// is decided once when the registry is built, and never re-guessed.
package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/metrics"
	"github.com/sidkik/olsync/pkg/remote"
)

// Kind is the kind of a registry entry.
type Kind int

const (
	// Folder is a directory in the project tree.
	Folder Kind = iota
	// Document is an editable text document.
	Document
	// BinaryFile is an uploaded file that can't be edited in place.
	BinaryFile
)

func (k Kind) String() string {
	switch k {
	case Folder:
		return "folder"
	case Document:
		return "document"
	case BinaryFile:
		return "binary file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EntityType returns the remote name of the kind.
func (k Kind) EntityType() remote.EntityType {
	switch k {
	case Document:
		return remote.TypeDoc
	case BinaryFile:
		return remote.TypeFile
	default:
		return remote.TypeFolder
	}
}

// KindOf converts a remote entity type.
func KindOf(t remote.EntityType) (Kind, bool) {
	switch t {
	case remote.TypeFolder:
		return Folder, true
	case remote.TypeDoc:
		return Document, true
	case remote.TypeFile:
		return BinaryFile, true
	default:
		return 0, false
	}
}

// Ref identifies an entity either by its remote ID, or by its path when the
// ID isn't known. The root folder's Ref is tagged, so that it's never equal
// to the zero Ref even when the root's ID is unknown.
type Ref struct {
	ID   string
	Path string
	Root bool
}

// RootRef returns the Ref of the root folder. `id` may be empty.
func RootRef(id string) Ref {
	return Ref{ID: id, Root: true}
}

// ByID returns a Ref for a remote ID.
func ByID(id string) Ref {
	return Ref{ID: id}
}

// ByPath returns a Ref for an entity whose remote ID is unknown.
func ByPath(p string) Ref {
	return Ref{Path: p}
}

// HasID returns whether the entity can be addressed on the remote.
func (ref Ref) HasID() bool {
	return ref.ID != ""
}

func (ref Ref) String() string {
	if ref.Root && !ref.HasID() {
		return "root"
	}
	if ref.HasID() {
		return "id:" + ref.ID
	}
	return "path:" + ref.Path
}

// Entry is a single node of the project tree.
type Entry struct {
	Ref  Ref
	Kind Kind
	Name string

	// Parent is the Ref of the containing folder. Only the root has the
	// zero Ref.
	Parent Ref

	// Path is the '/'-joined path of the entry. The root's path is "".
	Path string
}

// IsRoot returns whether the entry is the project's root folder.
func (e Entry) IsRoot() bool {
	return e.Path == ""
}

// Registry is a snapshot of the remote project tree, indexed by path and by
// remote ID. It's safe for concurrent use, but is expected to be mutated by a
// single owner.
type Registry struct {
	projectID string
	client    remote.Client

	mu     sync.RWMutex
	byPath map[string]Entry
	byID   map[string]string
}

// New creates an empty registry for a project. It contains only the root
// folder until it's refreshed or loaded.
func New(client remote.Client, projectID string) *Registry {
	byPath, byID := emptyTree("")
	return &Registry{
		projectID: projectID,
		client:    client,
		byPath:    byPath,
		byID:      byID,
	}
}

// ProjectID returns the ID of the project the registry tracks.
func (r *Registry) ProjectID() string {
	return r.projectID
}

// Refresh fetches the entity list from the remote and rebuilds the tree. If
// either step fails, the previous tree is kept unchanged.
func (r *Registry) Refresh(ctx context.Context) (err error) {
	defer func() { metrics.RecordRegistryRefresh(err) }()

	snapshot, err := r.client.ListEntities(ctx, r.projectID)
	if err != nil {
		if !errors.IsRemoteUnavailable(err) {
			err = errors.RemoteUnavailable{Op: "refresh registry", Err: err}
		}
		return err
	}
	return r.Load(snapshot)
}

// Load replaces the tree with one built from `snapshot`.
func (r *Registry) Load(snapshot remote.Snapshot) error {
	byPath, byID, err := build(snapshot)
	if err != nil {
		return errors.WithContext(err, "build registry")
	}

	r.mu.Lock()
	r.byPath = byPath
	r.byID = byID
	r.mu.Unlock()

	metrics.SetRegistryEntries(r.projectID, len(byPath))
	log.WithFields(log.Fields{
		"project": r.projectID,
		"entries": len(byPath),
	}).Debug("Loaded registry")
	return nil
}

// Get returns the entry at `p`.
func (r *Registry) Get(p string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byPath[Normalize(p)]
	return entry, ok
}

// GetByID returns the entry with the remote ID `id`.
func (r *Registry) GetByID(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	entry, ok := r.byPath[p]
	return entry, ok
}

// Insert adds an entry. The entry's parent folder must already be in the
// registry, and its path must not be taken.
func (r *Registry) Insert(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := insert(r.byPath, r.byID, entry); err != nil {
		return err
	}
	metrics.SetRegistryEntries(r.projectID, len(r.byPath))
	return nil
}

// Remove deletes the entry at `p` and everything below it.
func (r *Registry) Remove(p string) {
	p = Normalize(p)
	if p == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for entryPath, entry := range r.byPath {
		if entryPath == p || strings.HasPrefix(entryPath, p+"/") {
			delete(r.byPath, entryPath)
			if entry.Ref.HasID() {
				delete(r.byID, entry.Ref.ID)
			}
		}
	}
	metrics.SetRegistryEntries(r.projectID, len(r.byPath))
}

// Entries returns all entries, sorted by path. The root is first.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byPath))
	for _, entry := range r.byPath {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Len returns the number of entries, including the root.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath)
}

// Normalize converts a relative path into the form used as a registry key:
// '/'-separated, without leading or trailing slashes. The root is "".
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func emptyTree(rootID string) (map[string]Entry, map[string]string) {
	root := Entry{Kind: Folder, Ref: RootRef(rootID)}
	byID := map[string]string{}
	if rootID != "" {
		byID[rootID] = ""
	}
	return map[string]Entry{"": root}, byID
}

// build creates the tree for a snapshot. Folders are created the first time
// they're referenced and reused afterwards, so the result doesn't depend on
// the order of the entities.
func build(snapshot remote.Snapshot) (map[string]Entry, map[string]string, error) {
	byPath, byID := emptyTree(snapshot.RootFolderID)

	for _, entity := range snapshot.Entities {
		kind, ok := KindOf(entity.Type)
		if !ok {
			return nil, nil, fmt.Errorf("unknown entity type %q for %q", entity.Type, entity.Path)
		}

		p := Normalize(entity.Path)
		if p == "" {
			return nil, nil, errors.New("entity with empty path")
		}

		if err := ensureParents(byPath, p); err != nil {
			return nil, nil, err
		}

		ref := ByPath(p)
		if entity.ID != "" {
			ref = ByID(entity.ID)
		}

		existing, ok := byPath[p]
		if !ok {
			entry := Entry{Ref: ref, Kind: kind, Name: path.Base(p), Path: p}
			if err := insert(byPath, byID, entry); err != nil {
				return nil, nil, err
			}
			continue
		}

		if existing.Kind != kind {
			return nil, nil, fmt.Errorf("%q is listed as both a %s and a %s",
				p, existing.Kind, kind)
		}

		switch {
		case !ref.HasID() || existing.Ref == ref:
		case !existing.Ref.HasID():
			// A folder implied by a path prefix is listed explicitly with
			// its ID.
			existing.Ref = ref
			byPath[p] = existing
			byID[ref.ID] = p
			reparentChildren(byPath, p, ref)
		default:
			return nil, nil, fmt.Errorf("%q is listed with two different IDs", p)
		}
	}
	return byPath, byID, nil
}

func ensureParents(byPath map[string]Entry, p string) error {
	dir := parentPath(p)
	var missing []string
	for dir != "" {
		entry, ok := byPath[dir]
		if ok {
			if entry.Kind != Folder {
				return fmt.Errorf("%q is not a folder, but contains %q", dir, p)
			}
			break
		}
		missing = append(missing, dir)
		dir = parentPath(dir)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		folder := missing[i]
		byPath[folder] = Entry{
			Ref:    ByPath(folder),
			Kind:   Folder,
			Name:   path.Base(folder),
			Parent: byPath[parentPath(folder)].Ref,
			Path:   folder,
		}
	}
	return nil
}

func reparentChildren(byPath map[string]Entry, dir string, ref Ref) {
	for p, entry := range byPath {
		if p != "" && parentPath(p) == dir {
			entry.Parent = ref
			byPath[p] = entry
		}
	}
}

func insert(byPath map[string]Entry, byID map[string]string, entry Entry) error {
	entry.Path = Normalize(entry.Path)
	if entry.Path == "" {
		return errors.New("the root folder can't be inserted")
	}
	if _, ok := byPath[entry.Path]; ok {
		return fmt.Errorf("%q is already in the registry", entry.Path)
	}
	if entry.Ref.HasID() {
		if other, ok := byID[entry.Ref.ID]; ok {
			return fmt.Errorf("ID %s is already used by %q", entry.Ref.ID, other)
		}
	}

	parent, ok := byPath[parentPath(entry.Path)]
	if !ok || parent.Kind != Folder {
		return errors.NotFound{Path: parentPath(entry.Path)}
	}

	if entry.Name == "" {
		entry.Name = path.Base(entry.Path)
	}
	if entry.Ref == (Ref{}) {
		entry.Ref = ByPath(entry.Path)
	}
	entry.Parent = parent.Ref
	byPath[entry.Path] = entry
	if entry.Ref.HasID() {
		byID[entry.Ref.ID] = entry.Path
	}
	return nil
}

func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
