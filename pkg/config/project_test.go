package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/errors"
)

func TestWriteAndParseProject(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/papers/thesis", 0755))

	syncedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	project := Project{
		ProjectID:    "p1",
		LocalPath:    "/papers/thesis",
		LastSyncMode: "realtime",
		LastSyncedAt: syncedAt,
		Active:       true,
		PID:          42,
	}
	require.NoError(t, WriteProject(project))

	parsed, err := ParseProject("/papers/thesis")
	require.NoError(t, err)
	project.Version = SupportedProjectVersion
	assert.Equal(t, project, parsed)
}

func TestParseProjectErrors(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := ParseProject("/missing")
	assert.Equal(t, errors.FileNotFound{Path: "/missing/.olsync.yaml"}, err)

	require.NoError(t, afero.WriteFile(fs, "/a/.olsync.yaml", []byte("localPath: /a\n"), 0644))
	_, err = ParseProject("/a")
	assert.Equal(t, errors.MissingFieldError{Field: "projectId"}, err)

	require.NoError(t, afero.WriteFile(fs, "/b/.olsync.yaml", []byte("projectId: p\nbogus: 1\n"), 0644))
	_, err = ParseProject("/b")
	assert.IsType(t, errors.FriendlyError{}, errors.RootCause(err))

	assert.Equal(t, errors.MissingFieldError{Field: "localPath"}, WriteProject(Project{ProjectID: "p"}))
}

func TestParseProjectDefaultsLocalPath(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/moved/.olsync.yaml", []byte("projectId: p1\n"), 0644))

	project, err := ParseProject("/moved")
	require.NoError(t, err)
	assert.Equal(t, "/moved", project.LocalPath)
	assert.Equal(t, InitialProjectVersion, project.Version)
}

func TestFindProjects(t *testing.T) {
	fs = afero.NewMemMapFs()
	for _, dir := range []string{"/papers/b", "/papers/a", "/papers/plain", "/papers/broken"} {
		require.NoError(t, fs.MkdirAll(dir, 0755))
	}
	require.NoError(t, WriteProject(Project{ProjectID: "pb", LocalPath: "/papers/b"}))
	require.NoError(t, WriteProject(Project{ProjectID: "pa", LocalPath: "/papers/a", Active: true}))
	require.NoError(t, afero.WriteFile(fs, "/papers/broken/.olsync.yaml", []byte("{"), 0644))

	projects, err := FindProjects("/papers")
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "pa", projects[0].ProjectID)
	assert.True(t, projects[0].Active)
	assert.Equal(t, "pb", projects[1].ProjectID)

	_, err = FindProjects("/nowhere")
	assert.Error(t, err)
}
