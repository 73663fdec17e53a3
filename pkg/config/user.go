package config

import (
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/olsync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the olsync user config.
	UserConfigPath = "~/.olsync.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the version of the user config
	// supported by this binary.
	SupportedUserConfigVersion = "v1alpha1"

	// DefaultServerURL is the server used when none is configured.
	DefaultServerURL = "https://www.overleaf.com"

	// CookieEnvKey is the environment variable that overrides the session
	// cookie in the config file.
	CookieEnvKey = "OLSYNC_COOKIE"
)

// User contains the settings shared by every project.
type User struct {
	Version   string `json:"version,omitempty"`
	ServerURL string `json:"serverUrl,omitempty"`

	// Cookie is the session cookie of a logged in browser, such as
	// "overleaf_session2=...".
	Cookie    string `json:"cookie,omitempty"`
	CSRFToken string `json:"csrfToken,omitempty"`

	// ProjectsDir is where `olsync status` looks for projects.
	ProjectsDir string `json:"projectsDir,omitempty"`

	GitToken   string `json:"gitToken,omitempty"`
	AutoCommit bool   `json:"autoCommit,omitempty"`

	UploadQuietPeriod Duration `json:"uploadQuietPeriod,omitempty"`
	StabilityWindow   Duration `json:"stabilityWindow,omitempty"`
	ConnectTimeout    Duration `json:"connectTimeout,omitempty"`

	// Exclude is added to the default exclude patterns.
	Exclude []string `json:"exclude,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// QuietPeriod returns the configured upload quiet period, or `def`.
func (u User) QuietPeriod(def time.Duration) time.Duration {
	return orDefault(u.UploadQuietPeriod, def)
}

// Stability returns the configured watcher stability window, or `def`.
func (u User) Stability(def time.Duration) time.Duration {
	return orDefault(u.StabilityWindow, def)
}

// Timeout returns the configured connect timeout, or `def`.
func (u User) Timeout(def time.Duration) time.Duration {
	return orDefault(u.ConnectTimeout, def)
}

func orDefault(d Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

// Mocked in tests.
var (
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// ParseUser parses the user config at the default path. The cookie can be
// supplied through the environment instead, in which case the file is
// optional.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok || getenv(CookieEnvKey) == "" {
			if ok {
				return User{}, errors.NewFriendlyError("The olsync user config "+
					"file doesn't exist at %q. Please run `olsync config cookie <cookie>` "+
					"to create it, or set %s.", path, CookieEnvKey)
			}
			return User{}, errors.WithContext(err, "parse")
		}
		config = User{Version: SupportedUserConfigVersion}
	}

	if cookie := getenv(CookieEnvKey); cookie != "" {
		config.Cookie = cookie
	}
	if config.ServerURL == "" {
		config.ServerURL = DefaultServerURL
	}

	if config.ProjectsDir != "" {
		config.ProjectsDir, err = homedirExpand(config.ProjectsDir)
		if err != nil {
			return User{}, errors.WithContext(err, "expand projects path")
		}

		// Evaluate relative paths relative to the config path.
		if !filepath.IsAbs(config.ProjectsDir) {
			config.ProjectsDir = filepath.Join(filepath.Dir(path), config.ProjectsDir)
		}
	}
	return config, nil
}

// ReadUserFile returns the user config as stored, without defaults or
// environment overrides. A missing file results in an empty config.
func ReadUserFile() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}
	return writeConfig(path, cfg)
}

// GetUserConfigPath returns the expanded path to the user config.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
