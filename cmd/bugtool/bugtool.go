package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/version"
)

const redacted = "<redacted>"

// Mocked for unit testing.
var (
	fs                        = afero.NewOsFs()
	stdout          io.Writer = os.Stdout
	readUserConfig            = config.ReadUserFile
	findProjects              = config.FindProjects
	now                       = time.Now
)

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out, logFile string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging olsync",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(out, logFile); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	cmd.Flags().StringVar(&logFile, "log-file", "",
		"the log file written by `olsync sync --log-file`")
	return cmd
}

func run(out, logFile string) error {
	tmpdir, err := afero.TempDir(fs, "", "olsync-bug-tool")
	if err != nil {
		return errors.NewFriendlyError("Failed to create out directory:\n%s", err)
	}
	defer func() {
		if err := fs.RemoveAll(tmpdir); err != nil {
			log.WithError(err).Warn("Failed to remove temporary directory")
		}
	}()

	setupInfo(tmpdir, logFile)

	if out == "" {
		out = fmt.Sprintf("olsync-bug-info-%s.tar.gz",
			now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		return errors.NewFriendlyError("Failed to tar:\n%s", err)
	}

	msg := `Created bug information archive at '%s'.
The session cookie and tokens are redacted from the user config, but you may
want to review the archive before sharing it.
The archive contains:
 * The olsync user config.
 * The project records in the projects directory.
 * The sync logs, if a log file was given.
 * The version of olsync.
`
	fmt.Fprintf(stdout, msg, out)
	return nil
}

func setupInfo(root, logFile string) {
	userConfig, err := readUserConfig()
	if err != nil {
		log.WithError(err).Warn("Failed to read user config")
	} else {
		if err := setupUserConfig(root, userConfig); err != nil {
			log.WithError(err).Warn("Failed to setup user config")
		}
		if err := setupProjects(root, userConfig.ProjectsDir); err != nil {
			log.WithError(err).Warn("Failed to setup project records")
		}
	}

	if logFile != "" {
		if err := setupCLILogs(root, logFile); err != nil {
			log.WithError(err).Warn("Failed to setup CLI logs")
		}
	}

	if err := setupVersion(root); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}
}

func setupUserConfig(root string, userConfig config.User) error {
	for _, secret := range []*string{&userConfig.Cookie, &userConfig.CSRFToken, &userConfig.GitToken} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return writeYAML(filepath.Join(root, "user-config.yaml"), userConfig)
}

func setupProjects(root, projectsDir string) error {
	if projectsDir == "" {
		return errors.New("no projects directory defined in user config")
	}

	projects, err := findProjects(projectsDir)
	if err != nil {
		return errors.WithContext(err, "find projects")
	}
	return writeYAML(filepath.Join(root, "projects.yaml"), projects)
}

func setupCLILogs(root, logPath string) error {
	logFile, err := fs.Open(logPath)
	if err != nil {
		return errors.WithContext(err, "open log")
	}
	defer logFile.Close()

	outFile, err := fs.Create(filepath.Join(root, "cli.log"))
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, logFile); err != nil {
		return errors.WithContext(err, "copy")
	}
	return nil
}

func setupVersion(root string) error {
	info := map[string]string{
		"version": version.Version,
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"go":      runtime.Version(),
	}
	return writeYAML(filepath.Join(root, "version.yaml"), info)
}

func writeYAML(path string, obj interface{}) error {
	contents, err := yaml.Marshal(obj)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return errors.WithContext(afero.WriteFile(fs, path, contents, 0644), "write")
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.Join("olsync-bug-info", relPath)
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
