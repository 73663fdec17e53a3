package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/metrics"
	"github.com/sidkik/olsync/pkg/realtime"
	"github.com/sidkik/olsync/pkg/session"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	parseProject              = config.ParseProject
)

type options struct {
	mode        string
	modeSet     bool
	projectID   string
	metricsAddr string
	logFile     string
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sync [DIR...]",
		Short: "Sync local directories with their Overleaf projects",
		Long: "Sync local directories with their Overleaf projects until " +
			"interrupted.\n\n" +
			"Each directory must have been pulled with `olsync pull`, or the " +
			"project must be given with --project. In realtime mode, local edits " +
			"are sent to the project as they're saved, and edits by collaborators " +
			"are written to the local files. In upload mode, local changes are " +
			"uploaded in batches, and remote changes aren't pulled.",
		Run: func(cmd *cobra.Command, args []string) {
			opts.modeSet = cmd.Flags().Changed("mode")
			if err := run(opts, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", string(session.Realtime),
		"The sync mode: realtime or upload. Defaults to the mode the directory "+
			"was last synced with.")
	cmd.Flags().StringVar(&opts.projectID, "project", "",
		"The ID of the project to sync with. Only valid with a single directory.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address, e.g. localhost:9090.")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "",
		"Write logs to this file instead of stderr.")
	return cmd
}

type target struct {
	projectID string
	dir       string
	mode      session.Mode
}

func run(opts options, dirs []string) error {
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.WithContext(err, "open log file")
		}
		defer f.Close()

		log.SetOutput(f)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	}

	targets, err := getTargets(opts, dirs)
	if err != nil {
		return err
	}

	userConfig, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	client, err := util.GetRemoteClient(userConfig)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		metrics.Serve(opts.metricsAddr)
	}

	manager := session.NewManager(session.Config{
		Client:          client,
		Dial:            util.GetDialer(userConfig),
		Exclude:         userConfig.Exclude,
		StabilityWindow: userConfig.StabilityWindow.Std(),
		QuietPeriod:     userConfig.UploadQuietPeriod.Std(),
		ConnectTimeout:  userConfig.ConnectTimeout.Std(),
		AutoCommit:      userConfig.AutoCommit,
		GitToken:        userConfig.GitToken,
	})
	defer manager.StopAll()

	notifications, unsubscribe := manager.Subscribe()
	defer unsubscribe()
	go printNotifications(notifications)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	stopped := make(chan *session.Session, len(targets))
	for _, t := range targets {
		pp := util.NewProgressPrinter(stdout,
			fmt.Sprintf("Connecting %s to project %s (%s)", t.dir, t.projectID, t.mode))
		go pp.Run()
		s, err := manager.StartSync(ctx, t.projectID, t.dir, t.mode)
		if err != nil {
			pp.Stop()
			return errors.WithContext(err, fmt.Sprintf("start sync of %s", t.dir))
		}
		pp.StopWithPrint(util.ClearProgress)
		fmt.Fprintf(stdout, "Syncing %s with project %s (%s)\n", t.dir, t.projectID, t.mode)

		go func() {
			<-s.Done()
			stopped <- s
		}()
	}

	select {
	case <-sigs:
		fmt.Fprintln(stdout, "Stopping sync")
		return nil
	case s := <-stopped:
		if err := s.Err(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("sync of %s", s.Dir))
		}
		return nil
	}
}

func getTargets(opts options, dirs []string) ([]target, error) {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	if opts.projectID != "" && len(dirs) > 1 {
		return nil, errors.NewFriendlyError(
			"--project can only be used when syncing a single directory.")
	}

	mode, err := session.ParseMode(opts.mode)
	if err != nil {
		return nil, err
	}

	seen := map[string]string{}
	var targets []target
	for _, dir := range dirs {
		dir, err := filepath.Abs(dir)
		if err != nil {
			return nil, errors.WithContext(err, "resolve directory")
		}

		t := target{projectID: opts.projectID, dir: dir, mode: mode}
		project, err := parseProject(dir)
		switch {
		case err == nil:
			if t.projectID == "" {
				t.projectID = project.ProjectID
			}
			if !opts.modeSet && project.LastSyncMode != "" {
				if t.mode, err = session.ParseMode(project.LastSyncMode); err != nil {
					return nil, err
				}
			}
		case t.projectID == "":
			if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
				return nil, errors.NewFriendlyError("%s isn't synced with a project. "+
					"Pull it with `olsync pull`, or pass --project.", dir)
			}
			return nil, errors.WithContext(err, "read project record")
		}

		if other, ok := seen[t.projectID]; ok {
			return nil, errors.NewFriendlyError("%s and %s are both synced with project %s.",
				other, dir, t.projectID)
		}
		seen[t.projectID] = dir
		targets = append(targets, t)
	}
	return targets, nil
}

func printNotifications(notifications <-chan realtime.Notification) {
	for n := range notifications {
		fmt.Fprintf(stdout, "%-13s %s\n", n.Kind, n.Path)
	}
}
