package builder_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/buildkite/bintest/v3"
	"github.com/mmlabs-mindmaze/mmpack-buildd/buildjob"
	"github.com/mmlabs-mindmaze/mmpack-buildd/builder"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBuilderBuildSetsEnvironment(t *testing.T) {
	compiler, err := bintest.CompileProxy("mmpack-build-script")
	require.NoError(t, err)
	defer compiler.Close()

	b, err := builder.NewProcessBuilder("local-amd64", builder.ProcessBuilderConfig{
		Arch:    "amd64",
		Command: compiler.Path,
	}, logger.Discard)
	require.NoError(t, err)

	job := &buildjob.BuildJob{
		PrjName: "foo",
		Srctar:  "/work/foo/foo_1.0.tar.gz",
		Pkgdir:  t.TempDir(),
		BuildID: "build-123",
	}

	go func() {
		call := <-compiler.Ch
		assert.Equal(t, job.Srctar, call.GetEnv("MMPACK_BUILDD_SRCTAR"))
		assert.Equal(t, job.Pkgdir, call.GetEnv("MMPACK_BUILDD_PKGDIR"))
		assert.Equal(t, job.BuildID, call.GetEnv("MMPACK_BUILDD_BUILD_ID"))
		fmt.Fprintln(call.Stdout, "building foo 1.0")
		call.Exit(0)
	}()

	err = b.Build(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "amd64", b.Arch())
	assert.Equal(t, "local-amd64", b.Name())
}

func TestProcessBuilderBuildReportsNonZeroExit(t *testing.T) {
	compiler, err := bintest.CompileProxy("mmpack-build-script")
	require.NoError(t, err)
	defer compiler.Close()

	b, err := builder.NewProcessBuilder("local-amd64", builder.ProcessBuilderConfig{
		Arch:    "amd64",
		Command: compiler.Path,
	}, logger.Discard)
	require.NoError(t, err)

	job := &buildjob.BuildJob{PrjName: "foo", Pkgdir: t.TempDir()}

	go func() {
		call := <-compiler.Ch
		fmt.Fprintln(call.Stdout, "compile error: missing dependency")
		call.Exit(1)
	}()

	err = b.Build(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with status 1")
	assert.Contains(t, err.Error(), "missing dependency")
}

func TestNewProcessBuilderRejectsEmptyCommand(t *testing.T) {
	_, err := builder.NewProcessBuilder("empty", builder.ProcessBuilderConfig{
		Arch:    "amd64",
		Command: "   ",
	}, logger.Discard)
	require.Error(t, err)
}
