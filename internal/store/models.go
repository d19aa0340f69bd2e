package store

import "time"

// BuildStatus is the monotone (except Pending regressions) build state of a
// commit, §3.
type BuildStatus string

const (
	BuildStatusNone    BuildStatus = "None"
	BuildStatusPending BuildStatus = "Pending"
	BuildStatusSuccess BuildStatus = "Success"
	BuildStatusFailure BuildStatus = "Failure"
)

// Repository mirrors the git_repo table.
type Repository struct {
	ID             int64  `db:"id"`
	Owner          string `db:"owner"`
	Name           string `db:"name"`
	DefaultBranch  string `db:"default_branch"`
	Private        bool   `db:"private"`
	Language       string `db:"language"`
}

// Branch mirrors the git_branch table.
type Branch struct {
	ID            int64  `db:"id"`
	RepoID        int64  `db:"repo_id"`
	Name          string `db:"name"`
	HeadCommitSha string `db:"head_commit_sha"`
}

// Commit mirrors the git_commit table.
type Commit struct {
	RepoID      int64       `db:"repo_id"`
	Sha         string      `db:"sha"`
	Message     string      `db:"message"`
	Author      string      `db:"author"`
	Committer   string      `db:"committer"`
	AuthoredAt  *time.Time  `db:"authored_at"`
	BuildStatus BuildStatus `db:"build_status"`
	BuildURL    string      `db:"build_url"`
}

// HistoryAction enumerates how a DeployHistory row came to be.
type HistoryAction string

const (
	HistoryActionDeploy   HistoryAction = "deploy"
	HistoryActionRedeploy HistoryAction = "redeploy"
	HistoryActionUndeploy HistoryAction = "undeploy"
)

// HistoryOutcome enumerates the terminal result of a DeployHistory row.
type HistoryOutcome string

const (
	HistoryOutcomeSuccess HistoryOutcome = "success"
	HistoryOutcomeFailure HistoryOutcome = "failure"
)

// HistoryEntry mirrors the append-only deploy_history table.
type HistoryEntry struct {
	ID          string         `db:"id"`
	DCNamespace string         `db:"dc_namespace"`
	DCName      string         `db:"dc_name"`
	Ts          time.Time      `db:"ts"`
	ArtifactSha string         `db:"artifact_sha"`
	ConfigSha   string         `db:"config_sha"`
	Action      HistoryAction  `db:"action"`
	Outcome     HistoryOutcome `db:"outcome"`
	Error       string         `db:"error"`
}

// ConfigFingerprint mirrors the deploy_config_fingerprint table, the store's
// cache of last-seen config_version_hash per DeployConfig used for orphan
// detection by the Config Synchroniser (§4.6 step 5).
type ConfigFingerprint struct {
	Namespace         string    `db:"namespace"`
	Name              string    `db:"name"`
	RepoOwner         string    `db:"repo_owner"`
	RepoName          string    `db:"repo_name"`
	ConfigVersionHash string    `db:"config_version_hash"`
	UpdatedAt         time.Time `db:"updated_at"`
}
