package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/bugtool"
	configCmd "github.com/sidkik/olsync/cmd/config"
	"github.com/sidkik/olsync/cmd/pull"
	"github.com/sidkik/olsync/cmd/status"
	syncCmd "github.com/sidkik/olsync/cmd/sync"
	"github.com/sidkik/olsync/cmd/upgradecli"
	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "OLSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "olsync",
		Short:        "Keep a local directory in sync with an Overleaf project",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		bugtool.New(),
		configCmd.New(),
		pull.New(),
		status.New(),
		syncCmd.New(),
		upgradecli.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
