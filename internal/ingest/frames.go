package ingest

import "github.com/coolkev/cicd/internal/store"

// Frame is the upstream wire envelope: exactly one of Push, CheckRun or
// CheckSuite is populated, selected by Kind. Unrecognised kinds are logged
// and dropped (§4.8 rule 6).
type Frame struct {
	Kind       string      `json:"kind"`
	Push       *PushEvent  `json:"push,omitempty"`
	CheckRun   *CheckEvent `json:"check_run,omitempty"`
	CheckSuite *CheckEvent `json:"check_suite,omitempty"`
}

const (
	kindPush       = "push"
	kindCheckRun   = "check_run"
	kindCheckSuite = "check_suite"
)

// PushEvent carries everything a `git push` tells the Ingest: the repo's
// current metadata, the branch that moved, its new head, and any commits
// introduced by the push (empty for a branch-delete or a fast-forward of an
// already-known tip).
type PushEvent struct {
	Owner         string          `json:"owner"`
	Repo          string          `json:"repo"`
	DefaultBranch string          `json:"defaultBranch"`
	Private       bool            `json:"private"`
	Language      string          `json:"language"`
	Branch        string          `json:"branch"`
	HeadSha       string          `json:"headSha"`
	Commits       []CommitPayload `json:"commits"`
}

// CommitPayload is one commit introduced by a push.
type CommitPayload struct {
	Sha       string   `json:"sha"`
	Message   string   `json:"message"`
	Author    string   `json:"author"`
	Committer string   `json:"committer"`
	Parents   []string `json:"parents"`
}

// CheckEvent is a check_run or check_suite webhook, reporting the upstream
// CI outcome for one commit.
type CheckEvent struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Sha        string `json:"sha"`
	Status     string `json:"status"`     // "queued", "in_progress", "completed"
	Conclusion string `json:"conclusion"` // "success", "failure", "timed_out", "cancelled", ...
	URL        string `json:"url"`
}

// buildStatus derives the stored BuildStatus from a check event's
// (status, conclusion) pair (§4.8 rule 2): a completed success is Success, a
// completed failure/timeout/cancellation is Failure, everything else
// (queued, in_progress, or a completed run with some other conclusion such
// as neutral or skipped) is Pending.
func buildStatus(status, conclusion string) store.BuildStatus {
	if status != "completed" {
		return store.BuildStatusPending
	}
	switch conclusion {
	case "success":
		return store.BuildStatusSuccess
	case "failure", "timed_out", "cancelled":
		return store.BuildStatusFailure
	default:
		return store.BuildStatusPending
	}
}
