// Package bridge wraps the device-bridge command-line tool (adb) used to
// list and copy log files from a connected Android device.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Bridge lists and pulls files on a connected device.
type Bridge interface {
	// List returns the raw entry names in remoteDir, one per output line.
	List(ctx context.Context, remoteDir string) ([]string, error)
	// Pull copies remotePath from the device to localPath.
	Pull(ctx context.Context, remotePath, localPath string) error
}

var (
	// ErrUnavailable is returned when the bridge binary cannot be found.
	ErrUnavailable = errors.New("device bridge not available")

	// ErrTimeout is returned when a bridge command exceeds its timeout.
	ErrTimeout = errors.New("device bridge command timed out")
)

// CommandError describes a failed bridge invocation.
type CommandError struct {
	Args     []string
	ExitCode int // -1 if the process did not exit normally
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes a command and returns its captured output. A non-nil error
// means the command could not run or exited non-zero.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// waitDelay bounds how long a killed command may keep its output pipes open
// through child processes it spawned.
const waitDelay = time.Second

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ADB drives the Android Debug Bridge.
type ADB struct {
	Binary  string        // defaults to "adb"
	Serial  string        // device serial passed as -s; empty selects the only device
	Timeout time.Duration // per command; zero disables the timeout
	Run     Runner        // defaults to ExecRunner
}

// NewADB returns an ADB bridge using the given binary, serial and timeout.
func NewADB(binary, serial string, timeout time.Duration) *ADB {
	return &ADB{
		Binary:  binary,
		Serial:  serial,
		Timeout: timeout,
		Run:     ExecRunner,
	}
}

// List runs `adb shell ls remoteDir`.
func (a *ADB) List(ctx context.Context, remoteDir string) ([]string, error) {
	out, err := a.exec(ctx, "shell", "ls", remoteDir)
	if err != nil {
		return nil, err
	}
	return ParseLines(out), nil
}

// Pull runs `adb pull remotePath localPath`.
func (a *ADB) Pull(ctx context.Context, remotePath, localPath string) error {
	_, err := a.exec(ctx, "pull", remotePath, localPath)
	return err
}

func (a *ADB) exec(ctx context.Context, args ...string) ([]byte, error) {
	binary := a.Binary
	if binary == "" {
		binary = "adb"
	}
	if a.Serial != "" {
		args = append([]string{"-s", a.Serial}, args...)
	}
	run := a.Run
	if run == nil {
		run = ExecRunner
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	stdout, stderr, err := run(ctx, binary, args...)
	if err == nil {
		return stdout, nil
	}

	cerr := &CommandError{
		Args:     append([]string{binary}, args...),
		ExitCode: -1,
		Stderr:   strings.TrimSpace(string(stderr)),
		Err:      err,
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		cerr.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	case ctx.Err() == context.DeadlineExceeded:
		cerr.Err = fmt.Errorf("%w after %v", ErrTimeout, a.Timeout)
	case errors.As(err, &exitErr):
		cerr.ExitCode = exitErr.ExitCode()
	}
	return nil, cerr
}

// ParseLines splits command output into trimmed, non-empty lines. adb shell
// may terminate lines with CRLF.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
