package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/osutil"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/mmlabs-mindmaze/mmpack-buildd/process"
)

// ProcessBuilder runs a configured external build command as a subprocess,
// passing the job's source tarball and package directory as environment.
type ProcessBuilder struct {
	name    string
	arch    string
	command []string
	env     []string
	logger  logger.Logger
	pty     bool
}

// ProcessBuilderConfig is the recognized `builders.<name>` sub-document for
// a ProcessBuilder.
type ProcessBuilderConfig struct {
	Arch    string   `yaml:"arch"`
	Command string   `yaml:"command"` // shell-words parsed into argv
	Env     []string `yaml:"env"`     // additional environment variables, "KEY=VALUE"
	PTY     bool     `yaml:"pty"`
}

// NewProcessBuilder parses cfg.Command with shellwords and returns a
// ProcessBuilder ready to build jobs for cfg.Arch.
func NewProcessBuilder(name string, cfg ProcessBuilderConfig, l logger.Logger) (*ProcessBuilder, error) {
	argv, err := shellwords.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing builder %q command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("builder %q has an empty command", name)
	}

	// A builder command given as a path (rather than looked up on PATH)
	// commonly ships as a freshly checked-out script; make sure it is
	// runnable instead of failing the first build with "permission
	// denied".
	if filepath.IsAbs(argv[0]) || strings.ContainsRune(argv[0], filepath.Separator) {
		if osutil.FileExists(argv[0]) {
			if err := osutil.ChmodExecutable(argv[0]); err != nil {
				return nil, fmt.Errorf("builder %q: %w", name, err)
			}
		}
	}

	return &ProcessBuilder{
		name:    name,
		arch:    cfg.Arch,
		command: argv,
		env:     cfg.Env,
		logger:  l,
		pty:     cfg.PTY,
	}, nil
}

func (b *ProcessBuilder) Name() string { return b.name }
func (b *ProcessBuilder) Arch() string { return b.arch }

// Build runs the configured command with MMPACK_BUILDD_SRCTAR and
// MMPACK_BUILDD_PKGDIR set, in job.Pkgdir.
func (b *ProcessBuilder) Build(ctx context.Context, job *buildjob.BuildJob) error {
	env := append([]string{}, b.env...)
	env = append(env,
		"MMPACK_BUILDD_SRCTAR="+job.Srctar,
		"MMPACK_BUILDD_PKGDIR="+job.Pkgdir,
		"MMPACK_BUILDD_BUILD_ID="+job.BuildID,
	)

	out := &process.LineBuffer{}
	proc := process.New(b.logger, process.Config{
		PTY:    b.pty,
		Path:   b.command[0],
		Args:   b.command[1:],
		Env:    env,
		Dir:    job.Pkgdir,
		Stdout: lineBufferWriter{out},
		Stderr: lineBufferWriter{out},
	})

	if err := proc.Run(ctx); err != nil {
		return fmt.Errorf("running builder %s: %w", b.name, err)
	}

	if ws := proc.WaitStatus(); ws != nil && ws.ExitStatus() != 0 {
		return fmt.Errorf("builder %s exited with status %d: %s", b.name, ws.ExitStatus(), strings.TrimSpace(out.Output()))
	}

	return nil
}

// lineBufferWriter adapts process.LineBuffer (which wants whole lines) to
// io.Writer (which process.Process.Config wants for Stdout/Stderr).
type lineBufferWriter struct {
	buf *process.LineBuffer
}

func (w lineBufferWriter) Write(p []byte) (int, error) {
	w.buf.WriteLine(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
