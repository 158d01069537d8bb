// Package buildrequest describes an incoming intent to build, as submitted
// by an EventSource to the scheduler.
package buildrequest

// SrcTarMakeOpts configures how the source tarball generator turns a
// revision into a source package.
type SrcTarMakeOpts struct {
	// VersionFromVCS derives the package version from VCS metadata
	// (tags/commit count) instead of a version file in the tree.
	VersionFromVCS bool

	// OnlyModified restricts generation to subprojects whose tree changed
	// relative to the previous build, when the generator supports it.
	OnlyModified bool
}

// DefaultSrcTarMakeOpts returns the recognized defaults: VersionFromVCS
// false, OnlyModified true.
func DefaultSrcTarMakeOpts() SrcTarMakeOpts {
	return SrcTarMakeOpts{OnlyModified: true}
}

// ResultNotifier is the one-way capability a BuildJob holds back to its
// originating BuildRequest. Holding only this interface, rather than a
// pointer to the BuildRequest, avoids a request<->job reference cycle.
type ResultNotifier interface {
	// NotifyResult is invoked exactly once per materialized BuildJob, on
	// terminal outcome. message is empty on an unqualified success.
	NotifyResult(success bool, message string)
}

// BuildRequest is immutable after construction.
type BuildRequest struct {
	// Project is an opaque identifier for the source project, used only
	// for logging.
	Project string

	// URL is the source location the generator fetches from.
	URL string

	// Refspec is the revision to fetch.
	Refspec string

	// DoUpload controls whether a successful build is committed to any
	// repository. Defaults to true.
	DoUpload bool

	// SrcTarMakeOpts is passed through to the source tarball generator.
	SrcTarMakeOpts SrcTarMakeOpts

	// UploadRepo, Archs, DepsRepos seed the defaults a produced BuildJob
	// carries before rule application may override them.
	UploadRepo string
	Archs      []string
	DepsRepos  []string

	// Notifier receives the terminal NotifyResult call for every BuildJob
	// produced from this request.
	Notifier ResultNotifier
}

// New returns a BuildRequest with the documented defaults (DoUpload true,
// OnlyModified true) applied.
func New(project, url, refspec string, notifier ResultNotifier) *BuildRequest {
	return &BuildRequest{
		Project:        project,
		URL:            url,
		Refspec:        refspec,
		DoUpload:       true,
		SrcTarMakeOpts: DefaultSrcTarMakeOpts(),
		Notifier:       notifier,
	}
}
