package repository_test

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/buildkite/bintest/v3"
	"github.com/mmlabs-mindmaze/mmpack-buildd/logger"
	"github.com/mmlabs-mindmaze/mmpack-buildd/repository"
	"github.com/stretchr/testify/require"
)

// serveProtocol answers one ADD/COMMIT/ROLLBACK line-protocol call, replying
// to each command line with reply(cmd), until the client closes stdin.
func serveProtocol(t *testing.T, proxy *bintest.Proxy, reply func(cmd string) string) {
	t.Helper()
	go func() {
		call := <-proxy.Ch
		scanner := bufio.NewScanner(call.Stdin)
		for scanner.Scan() {
			fmt.Fprintf(call.Stdout, "%s\n", reply(scanner.Text()))
		}
		call.Exit(0)
	}()
}

func newRepositoryForTest(t *testing.T, proxy *bintest.Proxy) *repository.Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := repository.Open(repository.Config{
		Command: proxy.Path,
		Name:    "stable",
		Arch:    "amd64",
		Path:    filepath.Join(dir, "repo"),
	}, logger.Discard, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepositoryAddCommitRoundTrip(t *testing.T) {
	proxy, err := bintest.CompileProxy("mmpack-modifyrepo")
	require.NoError(t, err)
	defer proxy.Close()

	serveProtocol(t, proxy, func(string) string { return "OK" })

	repo := newRepositoryForTest(t, proxy)

	require.NoError(t, repo.Add("/tmp/foo_1.0.mmpack-manifest"))
	require.NoError(t, repo.Commit(context.Background(), "/tmp/foo_1.0.mmpack-manifest"))
}

func TestRepositoryAddFailurePropagatesServerMessage(t *testing.T) {
	proxy, err := bintest.CompileProxy("mmpack-modifyrepo")
	require.NoError(t, err)
	defer proxy.Close()

	serveProtocol(t, proxy, func(cmd string) string {
		if cmd == "ROLLBACK" {
			return "OK"
		}
		return "ERR manifest already present"
	})

	repo := newRepositoryForTest(t, proxy)

	err = repo.Add("/tmp/dup_1.0.mmpack-manifest")
	require.Error(t, err)

	var repoErr *repository.Error
	require.ErrorAs(t, err, &repoErr)
	require.Equal(t, "manifest already present", repoErr.ServerMsg)

	require.NoError(t, repo.Rollback())
}

func TestRepositoryRollback(t *testing.T) {
	proxy, err := bintest.CompileProxy("mmpack-modifyrepo")
	require.NoError(t, err)
	defer proxy.Close()

	serveProtocol(t, proxy, func(string) string { return "OK" })

	repo := newRepositoryForTest(t, proxy)

	require.NoError(t, repo.Add("/tmp/foo_1.0.mmpack-manifest"))
	require.NoError(t, repo.Rollback())
}
