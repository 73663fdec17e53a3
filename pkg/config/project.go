package config

import (
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/olsync/pkg/errors"
)

// ProjectRecordName is the name of the record written to each synced
// directory.
const ProjectRecordName = ".olsync.yaml"

// InitialProjectVersion is the first version of the project record.
const InitialProjectVersion = "v1alpha1"

// SupportedProjectVersion is the version of the project record supported by
// this binary.
const SupportedProjectVersion = "v1alpha1"

// Project is the record kept in a synced directory, so that sync can be
// resumed without asking for the project again.
type Project struct {
	Version      string    `json:"version,omitempty"`
	ProjectID    string    `json:"projectId"`
	LocalPath    string    `json:"localPath"`
	LastSyncMode string    `json:"lastSyncMode,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`

	// Active and PID describe the process currently syncing the directory.
	Active bool `json:"active"`
	PID    int  `json:"pid,omitempty"`
}

func (p Project) getVersion() string {
	return p.Version
}

// ProjectRecordPath returns the path of the record for the directory `dir`.
func ProjectRecordPath(dir string) string {
	return filepath.Join(dir, ProjectRecordName)
}

// ParseProject parses the record in `dir`. It returns an errors.FileNotFound
// if the directory was never synced.
func ParseProject(dir string) (Project, error) {
	path := ProjectRecordPath(dir)
	project := Project{Version: InitialProjectVersion}
	if err := parseConfig(path, &project, SupportedProjectVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Project{}, err
		}
		return Project{}, errors.WithContext(err, "parse")
	}

	if project.ProjectID == "" {
		return Project{}, errors.MissingFieldError{Field: "projectId"}
	}
	if project.LocalPath == "" {
		project.LocalPath = dir
	}
	return project, nil
}

// WriteProject writes the record to its local path.
func WriteProject(project Project) error {
	if project.LocalPath == "" {
		return errors.MissingFieldError{Field: "localPath"}
	}

	project.Version = SupportedProjectVersion
	return writeConfig(ProjectRecordPath(project.LocalPath), project)
}

// FindProjects returns the records in `root` and in its immediate
// subdirectories, sorted by path. Unreadable records are skipped.
func FindProjects(root string) ([]Project, error) {
	infos, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.WithContext(err, "list projects directory")
	}

	dirs := []string{root}
	for _, info := range infos {
		if info.IsDir() {
			dirs = append(dirs, filepath.Join(root, info.Name()))
		}
	}

	var projects []Project
	for _, dir := range dirs {
		project, err := ParseProject(dir)
		if err != nil {
			if _, ok := err.(errors.FileNotFound); !ok {
				log.WithError(err).WithField("dir", dir).Warn("Skipping unreadable project record")
			}
			continue
		}
		projects = append(projects, project)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LocalPath < projects[j].LocalPath
	})
	return projects, nil
}
