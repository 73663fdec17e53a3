package bugtool

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/config"
)

type file struct {
	path, contents string
}

func TestSetupCLILogs(t *testing.T) {
	tests := []struct {
		name      string
		root      string
		logFile   string
		mockFiles []file
		expFiles  []file
		expError  error
	}{
		{
			name:      "Log exists",
			root:      "root",
			logFile:   "magda/olsync.log",
			mockFiles: []file{{"magda/olsync.log", "log contents"}},
			expFiles:  []file{{"root/cli.log", "log contents"}},
		},
		{
			name:     "Log doesn't exist",
			logFile:  "magda/olsync.log",
			expError: errors.New("open log: open magda/olsync.log: file does not exist"),
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		assert.NoError(t, setupFiles(test.mockFiles))
		err := setupCLILogs(test.root, test.logFile)
		if test.expError == nil {
			assert.NoError(t, err, test.name)
		} else {
			assert.EqualError(t, err, test.expError.Error(), test.name)
		}
		assertFiles(t, test.expFiles, test.name)
	}
}

func TestSetupUserConfig(t *testing.T) {
	fs = afero.NewMemMapFs()
	err := setupUserConfig("root", config.User{
		ServerURL:   "https://www.overleaf.com",
		Cookie:      "overleaf_session2=secret",
		GitToken:    "olp_secret",
		ProjectsDir: "/home/magda/papers",
	})
	require.NoError(t, err)

	contents, err := afero.ReadFile(fs, "root/user-config.yaml")
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "secret")

	var written config.User
	require.NoError(t, yaml.Unmarshal(contents, &written))
	assert.Equal(t, config.User{
		ServerURL:   "https://www.overleaf.com",
		Cookie:      redacted,
		GitToken:    redacted,
		ProjectsDir: "/home/magda/papers",
	}, written)
}

func TestSetupProjects(t *testing.T) {
	fs = afero.NewMemMapFs()
	assert.EqualError(t, setupProjects("root", ""),
		"no projects directory defined in user config")

	findProjects = func(dir string) ([]config.Project, error) {
		assert.Equal(t, "/papers", dir)
		return []config.Project{{ProjectID: "p1", LocalPath: "/papers/thesis", Active: true, PID: 7}}, nil
	}
	require.NoError(t, setupProjects("root", "/papers"))

	contents, err := afero.ReadFile(fs, "root/projects.yaml")
	require.NoError(t, err)

	var written []config.Project
	require.NoError(t, yaml.Unmarshal(contents, &written))
	assert.Equal(t, []config.Project{{ProjectID: "p1", LocalPath: "/papers/thesis",
		Active: true, PID: 7}}, written)
}

func TestRun(t *testing.T) {
	fs = afero.NewMemMapFs()
	stdout = bytes.NewBuffer(nil)
	now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	readUserConfig = func() (config.User, error) {
		return config.User{Cookie: "a=b", ProjectsDir: "/papers"}, nil
	}
	findProjects = func(string) ([]config.Project, error) { return nil, nil }
	require.NoError(t, setupFiles([]file{{"/var/log/olsync.log", "started session"}}))

	require.NoError(t, run("", "/var/log/olsync.log"))

	archive, err := fs.Open("olsync-bug-info-Jan_02_2024-03-04-05.tar.gz")
	require.NoError(t, err)
	defer archive.Close()

	gzr, err := gzip.NewReader(archive)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	files := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if header.Typeflag != tar.TypeReg {
			continue
		}
		contents, err := ioutil.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = string(contents)
	}

	assert.Equal(t, "started session", files["olsync-bug-info/cli.log"])
	assert.Contains(t, files, "olsync-bug-info/user-config.yaml")
	assert.Contains(t, files, "olsync-bug-info/projects.yaml")
	assert.Contains(t, files, "olsync-bug-info/version.yaml")
	assert.NotContains(t, files["olsync-bug-info/user-config.yaml"], "a=b")
}

func setupFiles(files []file) error {
	for _, f := range files {
		if err := afero.WriteFile(fs, f.path, []byte(f.contents), 0644); err != nil {
			return err
		}
	}
	return nil
}

func assertFiles(t *testing.T, files []file, msg string) {
	for _, f := range files {
		contents, err := afero.ReadFile(fs, f.path)
		assert.NoError(t, err, msg)
		assert.Equal(t, f.contents, string(contents), msg)
	}
}
