package pull

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/registry"
	"github.com/sidkik/olsync/pkg/remote"
)

// Mocked for unit testing.
var (
	fs                        = afero.NewOsFs()
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	getRemoteClient           = util.GetRemoteClient
	parseProject              = config.ParseProject
	writeProject              = config.WriteProject
	promptYesOrNo             = util.PromptYesOrNo
	now                       = time.Now
)

// New creates a new `pull` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "pull PROJECT_ID [DIR]",
		Short: "Download a project into a local directory",
		Long: "Download every document and file of a project into a local " +
			"directory, and record the project so that the directory can be " +
			"synced with `olsync sync`.\n\n" +
			"The directory defaults to the current directory. Existing local " +
			"files are overwritten.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			if err := run(args[0], dir); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(projectID, dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return errors.WithContext(err, "resolve directory")
	}

	if existing, err := parseProject(dir); err == nil && existing.ProjectID != projectID {
		overwrite, err := promptYesOrNo(fmt.Sprintf("%s is synced with project %s. "+
			"Replace it with project %s?", dir, existing.ProjectID, projectID))
		if err != nil {
			return errors.WithContext(err, "prompt")
		}
		if !overwrite {
			return nil
		}
	}

	userConfig, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	client, err := getRemoteClient(userConfig)
	if err != nil {
		return err
	}

	pp := util.NewProgressPrinter(stdout, fmt.Sprintf("Downloading project %s", projectID))
	go pp.Run()
	results, err := Download(context.Background(), client, projectID, dir)
	pp.StopWithPrint(util.ClearProgress)
	if err != nil {
		return err
	}

	var failed int
	for _, result := range results {
		if result.Err != nil {
			failed++
			fmt.Fprintf(stdout, "Failed to download %s: %s\n", result.Path, result.Err)
		}
	}
	fmt.Fprintf(stdout, "Downloaded %d of %d entries to %s\n",
		len(results)-failed, len(results), dir)

	err = writeProject(config.Project{
		ProjectID:    projectID,
		LocalPath:    dir,
		LastSyncedAt: now(),
	})
	if err != nil {
		return errors.WithContext(err, "write project record")
	}

	if failed != 0 {
		return errors.NewFriendlyError("%d entries couldn't be downloaded.", failed)
	}
	return nil
}

// Result is the outcome of downloading a single entity.
type Result struct {
	Path string
	Type remote.EntityType
	Err  error
}

// Download writes every entity of the project to `dir`. Failures are
// isolated to the entity they happen on, and are reported in its Result.
// An error is returned only if the project couldn't be listed.
func Download(ctx context.Context, client remote.Client, projectID, dir string) ([]Result, error) {
	snapshot, err := client.ListEntities(ctx, projectID)
	if err != nil {
		return nil, errors.WithContext(err, "list project")
	}

	var results []Result
	for _, entity := range snapshot.Entities {
		relPath := registry.Normalize(entity.Path)
		if relPath == "" {
			continue
		}

		err := download(ctx, client, projectID, dir, relPath, entity)
		if err != nil {
			log.WithError(err).WithField("path", relPath).Warn("Failed to download")
		}
		results = append(results, Result{Path: relPath, Type: entity.Type, Err: err})
	}
	return results, nil
}

func download(ctx context.Context, client remote.Client, projectID, dir, relPath string,
	entity remote.Entity) error {

	// Normalized paths can't escape `dir`.
	localPath := filepath.Join(dir, filepath.FromSlash(relPath))

	if entity.Type == remote.TypeFolder {
		return fs.MkdirAll(localPath, 0755)
	}
	if entity.ID == "" {
		return errors.UnsupportedOperation{Op: "download", Path: relPath,
			Reason: errors.UnknownIDReason}
	}

	var contents []byte
	switch entity.Type {
	case remote.TypeDoc:
		content, err := client.GetDocument(ctx, projectID, entity.ID)
		if err != nil {
			return errors.WithContext(err, "get document")
		}
		contents = []byte(content)
	case remote.TypeFile:
		var err error
		contents, err = client.DownloadFile(ctx, projectID, entity.ID)
		if err != nil {
			return errors.WithContext(err, "download file")
		}
	default:
		return errors.UnsupportedOperation{Op: "download", Path: relPath,
			Reason: fmt.Sprintf("unknown entity type %q", entity.Type)}
	}

	if err := fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}
	return errors.WithContext(afero.WriteFile(fs, localPath, contents, 0644), "write")
}
