package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	guessDefaults                 = guessDefaultsImpl
	readUserConfig                = config.ReadUserFile
	writeUserConfig               = config.WriteUser
	getWorkingDirectory           = os.Getwd
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the olsync user configuration",
		Long: "Setup the olsync user configuration.\n\n" +
			"The session cookie is copied from a browser that's logged in to " +
			"Overleaf. It can also be set with the " + config.CookieEnvKey +
			" environment variable.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.ServerURL, "server-url", "",
		"Set the Overleaf server in the config. "+
			"Optional: If not set, `olsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Cookie, "cookie", "",
		"Set the session cookie in the config. "+
			"Optional: If not set, `olsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.ProjectsDir, "projects-dir", "",
		"Set the directory containing the synced projects. "+
			"Optional: If not set, `olsync config` will interactively prompt.")

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print a field of the user config",
		Long:  "Print a field of the user config. Valid keys are:\n  " + strings.Join(keyNames(), "\n  "),
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			value, err := getKey(args[0])
			if err != nil {
				util.HandleFatalError(err)
			}
			fmt.Fprintln(stdout, value)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a field of the user config",
		Long:  "Set a field of the user config. Valid keys are:\n  " + strings.Join(keyNames(), "\n  "),
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := setKey(args[0], args[1]); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	return cmd
}

// SetupConfig prompts for the fields that weren't set in `cliOpts`, and
// writes the result to the user config.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

// key is a field of the user config that can be read and set from the
// command line.
type key struct {
	get func(config.User) string
	set func(*config.User, string) error
}

func stringKey(field func(*config.User) *string) key {
	return key{
		get: func(cfg config.User) string { return *field(&cfg) },
		set: func(cfg *config.User, value string) error {
			*field(cfg) = value
			return nil
		},
	}
}

func durationKey(field func(*config.User) *config.Duration) key {
	return key{
		get: func(cfg config.User) string {
			if d := *field(&cfg); d != 0 {
				return time.Duration(d).String()
			}
			return ""
		},
		set: func(cfg *config.User, value string) error {
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.NewFriendlyError("%q isn't a duration such as \"2s\"", value)
			}
			*field(cfg) = config.Duration(d)
			return nil
		},
	}
}

var keys = map[string]key{
	"serverUrl":   stringKey(func(cfg *config.User) *string { return &cfg.ServerURL }),
	"cookie":      stringKey(func(cfg *config.User) *string { return &cfg.Cookie }),
	"csrfToken":   stringKey(func(cfg *config.User) *string { return &cfg.CSRFToken }),
	"projectsDir": stringKey(func(cfg *config.User) *string { return &cfg.ProjectsDir }),
	"gitToken":    stringKey(func(cfg *config.User) *string { return &cfg.GitToken }),
	"autoCommit": {
		get: func(cfg config.User) string { return strconv.FormatBool(cfg.AutoCommit) },
		set: func(cfg *config.User, value string) error {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return errors.NewFriendlyError("%q isn't true or false", value)
			}
			cfg.AutoCommit = b
			return nil
		},
	},
	"uploadQuietPeriod": durationKey(func(cfg *config.User) *config.Duration { return &cfg.UploadQuietPeriod }),
	"stabilityWindow":   durationKey(func(cfg *config.User) *config.Duration { return &cfg.StabilityWindow }),
	"connectTimeout":    durationKey(func(cfg *config.User) *config.Duration { return &cfg.ConnectTimeout }),
	"exclude": {
		get: func(cfg config.User) string { return strings.Join(cfg.Exclude, ",") },
		set: func(cfg *config.User, value string) error {
			cfg.Exclude = nil
			for _, pattern := range strings.Split(value, ",") {
				if pattern = strings.TrimSpace(pattern); pattern != "" {
					cfg.Exclude = append(cfg.Exclude, pattern)
				}
			}
			return nil
		},
	},
}

func keyNames() []string {
	var names []string
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKey(name string) (key, error) {
	k, ok := keys[name]
	if !ok {
		return key{}, errors.NewFriendlyError("Unknown config key %q. Valid keys are:\n  %s",
			name, strings.Join(keyNames(), "\n  "))
	}
	return k, nil
}

func getKey(name string) (string, error) {
	k, err := lookupKey(name)
	if err != nil {
		return "", err
	}

	cfg, err := readUserConfig()
	if err != nil {
		return "", errors.WithContext(err, "read config")
	}
	return k.get(cfg), nil
}

func setKey(name, value string) error {
	k, err := lookupKey(name)
	if err != nil {
		return err
	}

	cfg, err := readUserConfig()
	if err != nil {
		return errors.WithContext(err, "read config")
	}
	if err := k.set(&cfg, value); err != nil {
		return err
	}
	return errors.WithContext(writeUserConfig(cfg), "write config")
}

func serverURLValidationFn(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "The server must be a URL such as https://www.overleaf.com.", false
	}
	return "", true
}

func cookieValidationFn(s string) (string, bool) {
	name := strings.SplitN(s, "=", 2)[0]
	if !strings.Contains(s, "=") || strings.TrimSpace(name) == "" {
		return "The cookie must be a name and value, such as " +
			"overleaf_session2=s%3A...", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts config.User) (config.User, error) {
	defaults := guessDefaults()
	currConfig, err := readUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	// Fields that aren't prompted for are kept.
	cfg := currConfig
	cfg.ServerURL = cliOpts.ServerURL
	cfg.Cookie = cliOpts.Cookie
	cfg.ProjectsDir = cliOpts.ProjectsDir

	var prompts []prompt
	if cliOpts.ServerURL == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter the URL of the Overleaf server.",
			prompt:        "Overleaf server",
			defaultAnswer: defaults.ServerURL,
			currAnswer:    currConfig.ServerURL,
			field:         &cfg.ServerURL,
			validationFn:  serverURLValidationFn,
		})
	}

	if cliOpts.Cookie == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the session cookie of a browser that's logged in to Overleaf.\n" +
				"It can be copied from the browser's developer tools.",
			prompt:       "Session cookie",
			currAnswer:   currConfig.Cookie,
			field:        &cfg.Cookie,
			validationFn: cookieValidationFn,
		})
	}

	if cliOpts.ProjectsDir == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory that contains your synced projects.\n" +
				"`olsync status` lists the projects in it.\n" +
				"It defaults to the current directory.",
			prompt:        "Projects directory",
			defaultAnswer: defaults.ProjectsDir,
			currAnswer:    currConfig.ProjectsDir,
			field:         &cfg.ProjectsDir,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the user
// config.
func guessDefaultsImpl() (cfg config.User) {
	cfg.ServerURL = config.DefaultServerURL

	if dir, err := getWorkingDirectory(); err == nil {
		cfg.ProjectsDir = dir
	} else {
		log.WithError(err).Info("Failed to guess projects directory")
	}
	return cfg
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
