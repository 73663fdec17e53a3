package registry

import (
	"context"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/remote"
)

// Resolver maps local relative paths to registry entries, and creates
// missing remote folders on demand.
type Resolver struct {
	registry *Registry
	client   remote.Client
}

// NewResolver creates a Resolver that creates folders through `client`.
func NewResolver(registry *Registry, client remote.Client) *Resolver {
	return &Resolver{registry: registry, client: client}
}

// Resolve returns the entry at `relPath`, or a NotFound error.
func (r *Resolver) Resolve(relPath string) (Entry, error) {
	entry, ok := r.registry.Get(relPath)
	if !ok {
		return Entry{}, errors.NotFound{Path: Normalize(relPath)}
	}
	return entry, nil
}

// EnsureFolderPath returns the remote ID of the folder at `relPath`, creating
// every missing folder along the way. Segments are handled left to right, and
// each created folder is recorded before moving on, so a retry after a
// failure resumes at the first segment that's still missing.
//
// The root folder's ID is empty if the remote never reported it. The remote
// treats an empty parent as the root.
func (r *Resolver) EnsureFolderPath(ctx context.Context, relPath string) (string, error) {
	relPath = Normalize(relPath)

	root, _ := r.registry.Get("")
	parent := root
	if relPath == "" {
		return root.Ref.ID, nil
	}

	current := ""
	for _, segment := range strings.Split(relPath, "/") {
		current = path.Join(current, segment)

		entry, ok := r.registry.Get(current)
		if ok {
			if entry.Kind != Folder {
				return "", errors.UnsupportedOperation{
					Op:     "create folder",
					Path:   current,
					Reason: "a " + entry.Kind.String() + " already exists at this path",
				}
			}
			parent = entry
			continue
		}

		if !parent.IsRoot() && !parent.Ref.HasID() {
			return "", errors.UnsupportedOperation{
				Op:     "create folder",
				Path:   current,
				Reason: errors.UnknownIDReason,
			}
		}

		id, err := r.client.CreateFolder(ctx, r.registry.ProjectID(), parent.Ref.ID, segment)
		if err != nil {
			return "", errors.WithContext(err, "create folder "+current)
		}

		entry = Entry{Ref: ByID(id), Kind: Folder, Name: segment, Path: current}
		if err := r.registry.Insert(entry); err != nil {
			return "", errors.WithContext(err, "record folder "+current)
		}
		log.WithFields(log.Fields{
			"path": current,
			"id":   id,
		}).Info("Created remote folder")

		parent, _ = r.registry.Get(current)
	}

	if !parent.Ref.HasID() {
		return "", errors.UnsupportedOperation{
			Op:     "resolve folder",
			Path:   relPath,
			Reason: errors.UnknownIDReason,
		}
	}
	return parent.Ref.ID, nil
}
