// Package util contains helpers shared by the olsync commands.
package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
)

// Mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// HandleFatalError prints `err` and exits. Friendly errors are printed
// without the context that was added while they propagated.
func HandleFatalError(err error) {
	var friendly errors.FriendlyError
	if errors.As(err, &friendly) {
		fmt.Fprintln(stderr, friendly.FriendlyMessage())
		log.WithError(err).Debug("Fatal error")
	} else {
		log.WithError(err).Error("Fatal error")
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It should be
// deferred at the top of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}

// PromptYesOrNo asks the user a yes or no question. An empty answer is a no.
func PromptYesOrNo(prompt string) (bool, error) {
	fmt.Fprintf(stdout, "%s (y/N) ", prompt)
	resp, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.WithContext(err, "read response")
	}

	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ClearProgress is printed to remove the progress line once it's done.
const ClearProgress = "\r\033[K"

// ProgressPrinter prints a message followed by a growing line of dots until
// it's stopped.
type ProgressPrinter struct {
	out      io.Writer
	msg      string
	interval time.Duration

	stop     chan string
	stopOnce sync.Once
	done     chan struct{}
}

// NewProgressPrinter creates a ProgressPrinter. It doesn't print anything
// until Run is called.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		msg:      msg,
		interval: 500 * time.Millisecond,
		stop:     make(chan string, 1),
		done:     make(chan struct{}),
	}
}

// Run prints until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)

	ticker := time.NewTicker(pp.interval)
	defer ticker.Stop()

	dots := 0
	fmt.Fprint(pp.out, pp.msg)
	for {
		select {
		case final := <-pp.stop:
			fmt.Fprint(pp.out, final)
			return
		case <-ticker.C:
			dots = (dots + 1) % 4
			fmt.Fprintf(pp.out, "%s%s%s", ClearProgress, pp.msg, strings.Repeat(".", dots))
		}
	}
}

// Stop stops printing, and moves to a new line.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("\n")
}

// StopWithPrint stops printing, and prints `final`. It waits for Run to
// return.
func (pp *ProgressPrinter) StopWithPrint(final string) {
	pp.stopOnce.Do(func() {
		pp.stop <- final
	})
	<-pp.done
}
