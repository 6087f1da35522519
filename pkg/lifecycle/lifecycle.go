// Package lifecycle starts the processes of a printq deployment.
//
// Every role runs from the same binary: the role is the first argument. The
// manager spawns clients as children and then replaces its own image with
// the server, so the server keeps the manager's pid and parentage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/internal/logger"
)

var log = logger.New("lifecycle", nil)

// Launcher runs roles of one executable.
type Launcher struct {
	// Path is the executable; Executable() when empty.
	Path string
	// Env is the child environment; the current one when nil.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer

	mu       sync.Mutex
	children []*exec.Cmd
}

var _ api.Launcher = (*Launcher)(nil)

// New returns a launcher for the running binary with inherited stdio.
func New() (*Launcher, error) {
	path, err := Executable()
	if err != nil {
		return nil, err
	}
	return &Launcher{Path: path, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Executable resolves the running binary.
func Executable() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return path, nil
}

func (l *Launcher) path() (string, error) {
	if l.Path != "" {
		return l.Path, nil
	}
	return Executable()
}

func argv(path string, role api.Role, args []string) []string {
	return append([]string{path, string(role)}, args...)
}

// Spawn starts a child running role. The child is killed when ctx is done.
func (l *Launcher) Spawn(ctx context.Context, role api.Role, args ...string) (*exec.Cmd, error) {
	path, err := l.path()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path)
	cmd.Args = argv(path, role, args)
	cmd.Env = l.Env
	cmd.Stdin = nil
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", role, err)
	}
	log.Debugf("spawned %s as pid %d", role, cmd.Process.Pid)

	l.mu.Lock()
	l.children = append(l.children, cmd)
	l.mu.Unlock()
	return cmd, nil
}

// Wait waits for every spawned child and joins their failures.
func (l *Launcher) Wait() error {
	l.mu.Lock()
	children := l.children
	l.children = nil
	l.mu.Unlock()

	var errs []error
	for _, cmd := range children {
		if err := cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", cmd.Process.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// Replace replaces the current process image with role. It returns only on
// failure.
func (l *Launcher) Replace(role api.Role, args ...string) error {
	path, err := l.path()
	if err != nil {
		return err
	}
	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	log.Debugf("replacing pid %d with %s", os.Getpid(), role)
	if err := execve(path, argv(path, role, args), env); err != nil {
		return fmt.Errorf("exec %s: %w", role, err)
	}
	return nil
}
