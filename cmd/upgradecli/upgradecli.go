package upgradecli

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	goversion "github.com/hashicorp/go-version"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/olsync/cmd/util"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/version"
)

const binaryName = "olsync"

// Mocked for unit testing.
var (
	releasesURL             = "https://api.github.com/repos/sidkik/olsync/releases/latest"
	fs                      = afero.NewOsFs()
	stdout        io.Writer = os.Stdout
	promptYesOrNo           = util.PromptYesOrNo
	getwd                   = os.Getwd
)

// New creates a new `upgrade-cli` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-cli",
		Short: "Upgrade the local olsync binary to the latest release",
		Long: "Download the latest olsync release into the current directory, " +
			"and print the command that installs it over the running binary.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

func run() error {
	pp := util.NewProgressPrinter(stdout, "Checking for updates to olsync")
	go pp.Run()
	latest, err := getLatestRelease()
	pp.StopWithPrint(util.ClearProgress)
	if err != nil {
		return errors.WithContext(err, "get latest release")
	}

	latestVersion, err := goversion.NewVersion(latest.TagName)
	if err != nil {
		return errors.WithContext(err, "parse release version")
	}

	fmt.Fprintf(stdout, "Your olsync CLI is at version: %s\n", version.Version)
	fmt.Fprintf(stdout, "The latest release is: %s\n\n", latestVersion.String())

	shouldInstall, err := promptShouldInstall(latestVersion)
	if err != nil {
		return errors.WithContext(err, "prompt")
	} else if !shouldInstall {
		return nil
	}

	downloadURL, ok := findAsset(latest, runtime.GOOS, runtime.GOARCH)
	if !ok {
		return errors.NewFriendlyError("Release %s has no build for %s/%s.",
			latest.TagName, runtime.GOOS, runtime.GOARCH)
	}

	pp = util.NewProgressPrinter(stdout,
		fmt.Sprintf("Downloading olsync release: %s", latestVersion.String()))
	go pp.Run()
	err = downloadRelease(downloadURL)
	pp.StopWithPrint(util.ClearProgress)
	if err != nil {
		return errors.WithContext(err, "download release")
	}
	fmt.Fprintln(stdout, "Release successfully downloaded.")
	fmt.Fprintln(stdout)

	installedPath, writableByUser, err := getInstalledPath()
	if err != nil {
		return errors.WithContext(err, "get installed path")
	}

	command := fmt.Sprintf("cp ./%s %s", binaryName, installedPath)
	if !writableByUser {
		command = "sudo " + command
	}

	fmt.Fprintf(stdout, "olsync has been downloaded to the current working directory.\n"+
		"Please execute the following command in your shell to install it:\n\n"+
		"\t %s \n\n", command)
	return nil
}

func getLatestRelease() (release, error) {
	resp, err := http.Get(releasesURL)
	if err != nil {
		return release{}, errors.WithContext(err, "get")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return release{}, fmt.Errorf("server responded with %s", resp.Status)
	}

	var latest release
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		return release{}, errors.WithContext(err, "decode")
	}
	return latest, nil
}

// findAsset returns the download URL of the archive built for the platform.
// Archives are named like "olsync_linux_amd64.tar.gz".
func findAsset(r release, goos, goarch string) (string, bool) {
	name := fmt.Sprintf("%s_%s_%s.tar.gz", binaryName, goos, goarch)
	for _, a := range r.Assets {
		if a.Name == name {
			return a.DownloadURL, true
		}
	}
	return "", false
}

// promptShouldInstall asks whether to install `latest`. Development builds
// can't be compared, so they're always offered the release.
func promptShouldInstall(latest *goversion.Version) (bool, error) {
	ownVersion, err := goversion.NewVersion(version.Version)
	if err == nil {
		if !ownVersion.LessThan(latest) {
			fmt.Fprintln(stdout, "Your CLI is already up to date.")
			return false, nil
		}
		fmt.Fprintln(stdout, "Your CLI version is behind the latest release.")
	}

	return promptYesOrNo(fmt.Sprintf("Would you like to upgrade to release %s?",
		latest.String()))
}

// downloadRelease downloads the archive at `url`, and stores the binary in
// the current working directory.
func downloadRelease(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.WithContext(err, "get")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server responded with %s", resp.Status)
	}

	if err := extractRelease(resp.Body); err != nil {
		return errors.WithContext(err, "extract file")
	}
	return nil
}

// extractRelease takes a .tar.gz Reader, and extracts the olsync binary to the
// current working directory.
func extractRelease(src io.Reader) error {
	gzr, err := gzip.NewReader(src)
	if err != nil {
		return errors.WithContext(err, "new gzip reader")
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var header *tar.Header
	for {
		header, err = tr.Next()
		if err == io.EOF {
			return errors.New("binary not found in release archive")
		}
		if err != nil {
			return errors.WithContext(err, "read tar header")
		}
		if header.Typeflag == tar.TypeReg && filepath.Base(header.Name) == binaryName {
			break
		}
	}

	dir, err := getwd()
	if err != nil {
		return errors.WithContext(err, "get working dir")
	}

	file, err := fs.OpenFile(filepath.Join(dir, binaryName),
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
	if err != nil {
		return errors.WithContext(err, "create path")
	}
	defer file.Close()

	if _, err := io.Copy(file, tr); err != nil {
		return errors.WithContext(err, "copy")
	}
	return nil
}

func getInstalledPath() (string, bool, error) {
	path, err := os.Executable()
	if err != nil {
		return "", false, errors.WithContext(err, "get executable path")
	}

	path, err = filepath.EvalSymlinks(path)
	if err != nil {
		return "", false, errors.WithContext(err, "resolve links")
	}

	isWritable, err := checkWritable(path)
	if err != nil {
		return "", false, errors.WithContext(err, "check permissions")
	}
	return path, isWritable, nil
}

// checkWritable returns true if the user has write permissions to the file.
// This is Unix-only due to syscall dependency.
func checkWritable(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	groups, err := os.Getgroups()
	if err != nil {
		return false, err
	}
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, errors.New("couldn't get stat_t")
	}
	return isWritable(fi.Mode(), stat, os.Getuid(), groups), nil
}

// isWritable checks the owner, group and other write bits in that order.
// Only the first class the user belongs to applies.
func isWritable(mode os.FileMode, stat *syscall.Stat_t, uid int, gids []int) bool {
	if stat.Uid == uint32(uid) {
		return mode&0200 != 0
	}

	for _, gid := range gids {
		if uint32(gid) == stat.Gid {
			return mode&0020 != 0
		}
	}
	return mode&0002 != 0
}
