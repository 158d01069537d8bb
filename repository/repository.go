// Package repository drives an external repository-mutation subprocess
// through a line-oriented ADD/COMMIT/ROLLBACK protocol.
package repository

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/buildkite/roko"
	"github.com/gofrs/flock"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
)

// Error is returned when the repository subprocess replies with anything
// other than a leading "OK" token.
type Error struct {
	Name, Arch, Command, ServerMsg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("repository %s/%s: command %q failed: %s", e.Name, e.Arch, e.Command, e.ServerMsg)
}

// Repository is keyed by (name, arch) and owns one long-lived subprocess
// speaking the ADD/COMMIT/ROLLBACK protocol. It is not concurrency-safe:
// callers must serialize access (the scheduler's commit worker does this by
// construction, being single-threaded).
type Repository struct {
	Name string
	Arch string
	Path string

	logger logger.Logger
	mirror Mirror // optional, may be nil

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	lock *flock.Flock

	mu sync.Mutex
}

// Config names the external tool and its arguments.
type Config struct {
	Command string // defaults to "mmpack-modifyrepo"
	Name    string
	Arch    string
	Path    string
}

// Open starts the repository-mutation subprocess for (name, arch) and
// acquires an exclusive flock on Path + ".lock" for the lifetime of the
// Repository.
func Open(cfg Config, l logger.Logger, mirror Mirror) (*Repository, error) {
	command := cfg.Command
	if command == "" {
		command = "mmpack-modifyrepo"
	}

	lock := flock.New(cfg.Path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking repository path %s: %w", cfg.Path, err)
	}
	if !ok {
		return nil, fmt.Errorf("repository path %s is locked by another process", cfg.Path)
	}

	cmd := exec.Command(command,
		fmt.Sprintf("--path=%s", cfg.Path),
		fmt.Sprintf("--arch=%s", cfg.Arch),
		"batch",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening stdin to %s: %w", command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening stdout to %s: %w", command, err)
	}

	if err := cmd.Start(); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	return &Repository{
		Name:   cfg.Name,
		Arch:   cfg.Arch,
		Path:   cfg.Path,
		logger: l,
		mirror: mirror,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		lock:   lock,
	}, nil
}

// Add stages a manifest for commit.
func (r *Repository) Add(manifestPath string) error {
	return r.sendCommand(fmt.Sprintf("ADD %s", manifestPath))
}

// Commit finalizes all staged manifests. On success, if a Mirror was
// configured, the manifest is best-effort uploaded there too; mirror
// failures are logged, not propagated (the repository commit already
// succeeded).
func (r *Repository) Commit(ctx context.Context, manifestPath string) error {
	if err := r.sendCommand("COMMIT"); err != nil {
		return err
	}
	if r.mirror != nil {
		if err := r.mirror.Mirror(ctx, r.Name, r.Arch, manifestPath); err != nil {
			r.logger.Warn("[Repository] mirroring manifest %s for %s/%s failed: %v", manifestPath, r.Name, r.Arch, err)
		}
	}
	return nil
}

// Rollback discards all staged manifests for this transaction.
func (r *Repository) Rollback() error {
	return r.sendCommand("ROLLBACK")
}

// Close terminates the subprocess and releases the on-disk lock.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stdin.Close()
	err := r.cmd.Wait()
	r.lock.Unlock()
	return err
}

// sendCommand writes one command line and reads exactly one reply line,
// retrying transient I/O errors (not ERR replies, which are terminal).
func (r *Repository) sendCommand(cmd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reply string
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(0)),
	).DoWithContext(context.Background(), func(*roko.Retrier) error {
		if _, err := io.WriteString(r.stdin, cmd+"\n"); err != nil {
			return fmt.Errorf("writing command to %s/%s: %w", r.Name, r.Arch, err)
		}
		line, err := r.stdout.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading reply from %s/%s: %w", r.Name, r.Arch, err)
		}
		reply = strings.TrimRight(line, "\r\n")
		return nil
	})
	if err != nil {
		return err
	}

	token, msg, _ := strings.Cut(reply, " ")
	if token != "OK" {
		r.logger.Error("[Repository] %s/%s: %s -> %s", r.Name, r.Arch, cmd, reply)
		return &Error{Name: r.Name, Arch: r.Arch, Command: cmd, ServerMsg: msg}
	}
	return nil
}
