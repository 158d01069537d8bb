// Package gerrit translates Gerrit stream-events notifications into
// buildrequest.BuildRequest values. Only the translation is implemented
// here; the network stream-events polling loop itself is out of scope (see
// SPEC_FULL.md §6). The daemon does not call this package, and the
// gerrit-event-source experiment does not change that.
package gerrit

import (
	"fmt"
	"strings"

	"github.com/mmlabs-mindmaze/mmpack-buildd/buildrequest"
)

// Event is the subset of a Gerrit stream-events JSON object this package
// translates. Fields not used for trigger detection or request construction
// are not modeled.
type Event struct {
	Type    string `json:"type"`
	Comment string `json:"comment"`
	Change  struct {
		Project string `json:"project"`
		Branch  string `json:"branch"`
	} `json:"change"`
	PatchSet struct {
		Revision string   `json:"revision"`
		Parents  []string `json:"parents"`
	} `json:"patchSet"`
}

// Trigger reports what an Event should cause, if anything.
type Trigger struct {
	DoBuild  bool
	DoUpload bool
	BuildAll bool
}

// DetectTrigger mirrors the trigger-detection rules of the original Gerrit
// adapter: a merged change always builds and uploads; a review comment may
// request a build, an upload, or a full-subproject rebuild via one of three
// recognized keywords.
func DetectTrigger(event Event) Trigger {
	var t Trigger

	switch event.Type {
	case "change-merged":
		t.DoBuild = true
		t.DoUpload = true
	case "comment-added":
		if strings.Contains(event.Comment, "MMPACK_UPLOAD_BUILD") {
			t.DoBuild = true
			t.DoUpload = true
		}
		if strings.Contains(event.Comment, "MMPACK_BUILD") {
			t.DoBuild = true
		}
		if strings.Contains(event.Comment, "BUILD_ALL_SUBPROJECTS") {
			t.BuildAll = true
		}
	}
	return t
}

// ReviewPoster posts a build result back onto a Gerrit change as a review
// comment. A real implementation drives the `gerrit review` SSH command;
// none is provided here (see package doc).
type ReviewPoster interface {
	Review(project, change, message string) error
}

// reviewNotifier adapts a ReviewPoster to buildrequest.ResultNotifier,
// posting the build outcome back onto the originating Gerrit change.
type reviewNotifier struct {
	poster  ReviewPoster
	project string
	change  string
}

// NotifyResult implements buildrequest.ResultNotifier.
func (n *reviewNotifier) NotifyResult(success bool, message string) {
	status := "succeeded"
	if !success {
		status = "failed"
	}
	msg := fmt.Sprintf("mmpack build %s", status)
	if message != "" {
		msg += ": " + message
	}
	n.poster.Review(n.project, n.change, msg)
}

// GerritBuildRequest pairs a translated BuildRequest with the Gerrit change
// metadata it was derived from, for logging.
type GerritBuildRequest struct {
	*buildrequest.BuildRequest
	Branch string
}

// NewBuildRequest translates event into a GerritBuildRequest cloning from
// cloneURL/<project>, reporting results back through poster. trigger must
// have DoBuild set; callers are expected to have already checked it via
// DetectTrigger.
func NewBuildRequest(cloneURL string, event Event, trigger Trigger, poster ReviewPoster) *GerritBuildRequest {
	url := cloneURL + "/" + event.Change.Project
	notifier := &reviewNotifier{
		poster:  poster,
		project: event.Change.Project,
		change:  event.PatchSet.Revision,
	}

	req := buildrequest.New(event.Change.Project, url, event.PatchSet.Revision, notifier)
	req.DoUpload = trigger.DoUpload
	if trigger.BuildAll {
		req.SrcTarMakeOpts.OnlyModified = false
	}

	return &GerritBuildRequest{
		BuildRequest: req,
		Branch:       event.Change.Branch,
	}
}
