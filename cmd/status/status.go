package status

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/session"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	readUserConfig                = config.ReadUserFile
	findProjects                  = config.FindProjects
	getWorkingDirectory           = os.Getwd
	processAlive                  = processAliveImpl
	now                           = time.Now
)

// New creates a new `status` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "status [DIR]",
		Short: "Show the sync status of the projects in a directory",
		Long: "Show the sync status of the projects in a directory, and in its " +
			"immediate subdirectories.\n\n" +
			"The directory defaults to the configured projects directory, or the " +
			"current directory.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(args []string) error {
	root, err := getRoot(args)
	if err != nil {
		return err
	}

	projects, err := findProjects(root)
	if err != nil {
		return errors.WithContext(err, "find projects")
	}

	if len(projects) == 0 {
		fmt.Fprintf(stdout, "No synced projects in %s\n", root)
		return nil
	}
	printProjects(projects)
	return nil
}

func getRoot(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	// The status is still shown without a usable config.
	if cfg, err := readUserConfig(); err == nil && cfg.ProjectsDir != "" {
		return cfg.ProjectsDir, nil
	}
	return getWorkingDirectory()
}

// status returns whether the project is still being synced. The record of a
// process that died without cleaning up is reported as inactive.
func status(project config.Project) session.Status {
	if project.Active && project.PID != 0 && processAlive(project.PID) {
		return session.Active
	}
	return session.Inactive
}

func printProjects(projects []config.Project) {
	out := tabwriter.NewWriter(stdout, 0, 10, 5, ' ', 0)
	defer out.Flush()

	fmt.Fprintln(out, "PROJECT\tDIRECTORY\tSTATUS\tMODE\tLAST SYNCED")
	for _, project := range projects {
		st := status(project)
		color := goterm.BLACK
		if st == session.Active {
			color = goterm.GREEN
		}

		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			project.ProjectID,
			project.LocalPath,
			goterm.Color(string(st), color),
			orDash(project.LastSyncMode),
			lastSynced(project))
	}
}

func lastSynced(project config.Project) string {
	if project.LastSyncedAt.IsZero() {
		return "never"
	}
	ago := now().Sub(project.LastSyncedAt).Round(time.Second)
	return fmt.Sprintf("%s ago", ago)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func processAliveImpl(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
