// Package buildjob describes one source package extracted from a
// BuildRequest, bound to an exclusively-owned working directory.
package buildjob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mmlabs-mindmaze/mmpack-buildd/buildrequest"
)

// BuildJob is mutable only during the pre-scheduling phase (rule
// application fills UploadRepo, Archs, DepsRepos); immutable thereafter.
type BuildJob struct {
	PrjName string
	Version string

	// Srctar is the filesystem path to the produced source tarball, moved
	// into Pkgdir at construction.
	Srctar string

	// Srchash is the lowercase hex SHA-256 of the source tarball,
	// computed once at construction and never recomputed.
	Srchash string

	// BuildID uniquely identifies the job's owned work directory.
	BuildID string

	// Pkgdir is exclusively owned by this BuildJob; no other component
	// may create or delete files inside it. Removed by Close.
	Pkgdir string

	// UploadRepo, Archs, DepsRepos are filled in by rule application
	// (filterrule.Apply) and are immutable once scheduling begins.
	UploadRepo string
	Archs      []string
	DepsRepos  []string

	DoUpload bool

	// Notifier is the one-way capability back to the originating
	// BuildRequest; see buildrequest.ResultNotifier.
	Notifier buildrequest.ResultNotifier
}

// New creates a BuildJob owning a freshly-created working directory under
// workroot, moves srctarPath into it, and computes the job's content hash.
// The caller must call Close when the job is no longer needed.
func New(workroot, prjName, version, srctarPath string, req *buildrequest.BuildRequest) (*BuildJob, error) {
	buildID := uuid.NewString()
	pkgdir := filepath.Join(workroot, "mmpack-"+buildID)
	if err := os.MkdirAll(pkgdir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package work directory: %w", err)
	}

	dst := filepath.Join(pkgdir, filepath.Base(srctarPath))
	if err := moveFile(srctarPath, dst); err != nil {
		os.RemoveAll(pkgdir)
		return nil, fmt.Errorf("moving source tarball into work directory: %w", err)
	}

	hash, err := sha256File(dst)
	if err != nil {
		os.RemoveAll(pkgdir)
		return nil, fmt.Errorf("hashing source tarball: %w", err)
	}

	job := &BuildJob{
		PrjName: prjName,
		Version: version,
		Srctar:  dst,
		Srchash: hash,
		BuildID: buildID,
		Pkgdir:  pkgdir,
	}

	if req != nil {
		job.DoUpload = req.DoUpload
		job.UploadRepo = req.UploadRepo
		job.Archs = append([]string(nil), req.Archs...)
		job.DepsRepos = append([]string(nil), req.DepsRepos...)
		job.Notifier = req.Notifier
	}

	return job, nil
}

// Close removes the job's working directory. It is safe to call more than
// once; subsequent calls are no-ops.
func (j *BuildJob) Close() error {
	if j.Pkgdir == "" {
		return nil
	}
	err := os.RemoveAll(j.Pkgdir)
	j.Pkgdir = ""
	return err
}

// Attr returns the value of a named BuildJob attribute for rule matching,
// and whether that attribute exists on BuildJob at all. Unknown attribute
// names report ok=false, never an error or panic.
func (j *BuildJob) Attr(name string) (value string, ok bool) {
	switch name {
	case "prj_name":
		return j.PrjName, true
	case "version":
		return j.Version, true
	case "srchash":
		return j.Srchash, true
	case "upload_repo":
		return j.UploadRepo, true
	default:
		return "", false
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// os.Rename fails across filesystems/devices; fall back to copy+remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
