// Package store is the Persistence Store (§4.1): a single-writer,
// many-reader embedded relational database holding repositories, branches,
// commits, build statuses, tracked DeployConfig fingerprints, and deploy
// history.
//
// It is grounded on AMD-AGI-Primus-SaFE's database/sql-based CD service
// (SaFE/apiserver/pkg/handlers/cd/service.go) for the facade shape, and on
// the wider pack's preference for modernc.org/sqlite (a pure-Go, cgo-free
// SQLite driver used directly by stacklok-toolhive, rashadism-openchoreo and
// GoCodeAlone-workflow) for the embedded, single-file database itself.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/coolkev/cicd/pkg/errkinds"
)

// Store wraps a pooled connection to the embedded database file. All
// multi-row writes execute inside a single serializable transaction; no
// method holds a connection across a call into another subsystem.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the database file at path and applies any
// pending migrations. path defaults to "db.db" per §6 when empty.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "db.db"
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	// Single-writer, many-reader: SQLite only tolerates one writer connection
	// at a time, so we cap the pool and let callers serialize through it.
	db.SetMaxOpenConns(8)

	if err := migrate(ctx, db, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRepo creates or returns the Repository row for (owner, name).
func (s *Store) UpsertRepo(ctx context.Context, owner, name string) (*Repository, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_repo (owner, name) VALUES (?, ?)
		ON CONFLICT (owner, name) DO NOTHING`, owner, name)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	var repo Repository
	if err := s.db.GetContext(ctx, &repo, `SELECT * FROM git_repo WHERE owner = ? AND name = ?`, owner, name); err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &repo, nil
}

// GetRepo returns the Repository row for (owner, name), or NotFound if it has
// never been observed. Unlike UpsertRepo this never creates a row; it backs
// the read-only query API (§6), which must not have write side effects.
func (s *Store) GetRepo(ctx context.Context, owner, name string) (*Repository, error) {
	var repo Repository
	err := s.db.GetContext(ctx, &repo, `SELECT * FROM git_repo WHERE owner = ? AND name = ?`, owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkinds.Wrapf(errkinds.NotFound, "repo %s/%s", owner, name)
	}
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &repo, nil
}

// ListRepos returns every known repository, ordered by owner/name, for the
// read-only query API's index view.
func (s *Store) ListRepos(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	err := s.db.SelectContext(ctx, &repos, `SELECT * FROM git_repo ORDER BY owner, name`)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return repos, nil
}

// ListBranches returns every known branch of a repository, ordered by name.
func (s *Store) ListBranches(ctx context.Context, repoID int64) ([]Branch, error) {
	var branches []Branch
	err := s.db.SelectContext(ctx, &branches, `SELECT * FROM git_branch WHERE repo_id = ? ORDER BY name`, repoID)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return branches, nil
}

// ListCommits returns a repository's most recently observed commits, newest
// first by rowid insertion order (see LatestSuccessfulCommit), capped at
// limit (defaulting to 50).
func (s *Store) ListCommits(ctx context.Context, repoID int64, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	var commits []Commit
	err := s.db.SelectContext(ctx, &commits,
		`SELECT * FROM git_commit WHERE repo_id = ? ORDER BY rowid DESC LIMIT ?`, repoID, limit)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return commits, nil
}

// SetRepoMeta updates default_branch/private/language for an already-created
// repository; a no-op for fields left at their zero value is avoided by
// callers passing the observed values explicitly.
func (s *Store) SetRepoMeta(ctx context.Context, repoID int64, defaultBranch string, private bool, language string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE git_repo SET default_branch = ?, private = ?, language = ? WHERE id = ?`,
		defaultBranch, private, language, repoID)
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// UpsertBranch creates the branch row if absent and advances head_commit_sha.
// Regressing the head is never attempted by callers (§3 invariant); the
// write is an unconditional set, mirroring Git's own fast-forward-agnostic
// ref update semantics as observed from webhook events.
func (s *Store) UpsertBranch(ctx context.Context, repoID int64, name, headSha string) (*Branch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO git_branch (repo_id, name, head_commit_sha) VALUES (?, ?, ?)
		ON CONFLICT (repo_id, name) DO UPDATE SET head_commit_sha = excluded.head_commit_sha`,
		repoID, name, headSha)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	var b Branch
	if err := tx.GetContext(ctx, &b, `SELECT * FROM git_branch WHERE repo_id = ? AND name = ?`, repoID, name); err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO git_commit_branch (branch_id, commit_sha) VALUES (?, ?)
		ON CONFLICT (branch_id, commit_sha) DO NOTHING`, b.ID, headSha); err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &b, nil
}

// UpsertCommitInput carries the fields upserted together as one write, per
// §3's CommitParent/CommitBranch side tables.
type UpsertCommitInput struct {
	RepoID    int64
	Sha       string
	Message   string
	Author    string
	Committer string
	Parents   []string
}

// UpsertCommit writes a Commit row (preserving any existing build_status)
// plus its CommitParent edges, inside one transaction.
func (s *Store) UpsertCommit(ctx context.Context, in UpsertCommitInput) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO git_commit (repo_id, sha, message, author, committer, build_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, sha) DO UPDATE SET
			message = excluded.message, author = excluded.author, committer = excluded.committer`,
		in.RepoID, in.Sha, in.Message, in.Author, in.Committer, BuildStatusNone); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}

	for _, parent := range in.Parents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO git_commit_parent (repo_id, child_sha, parent_sha) VALUES (?, ?, ?)
			ON CONFLICT (repo_id, child_sha, parent_sha) DO NOTHING`, in.RepoID, in.Sha, parent); err != nil {
			return errkinds.Wrap(errkinds.Io, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// SetCommitStatus records a build outcome for a commit. Regressions from
// Success/Failure back to Pending are rejected (§3: "monotone except
// regressions allowed from Pending"); a regression from Pending to any other
// state is always allowed.
func (s *Store) SetCommitStatus(ctx context.Context, repoID int64, sha string, status BuildStatus, buildURL string) error {
	var current BuildStatus
	err := s.db.GetContext(ctx, &current, `SELECT build_status FROM git_commit WHERE repo_id = ? AND sha = ?`, repoID, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return errkinds.Wrapf(errkinds.NotFound, "commit %s not known in repo %d", sha, repoID)
	}
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	if status == BuildStatusPending && current != BuildStatusNone && current != BuildStatusPending {
		return errkinds.Wrapf(errkinds.Conflict, "refusing to regress commit %s from %s to Pending", sha, current)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE git_commit SET build_status = ?, build_url = ? WHERE repo_id = ? AND sha = ?`,
		status, buildURL, repoID, sha); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// GetBranchesForCommit returns the branches a commit is reachable from, per
// CommitBranch.
func (s *Store) GetBranchesForCommit(ctx context.Context, repoID int64, sha string) ([]Branch, error) {
	var branches []Branch
	err := s.db.SelectContext(ctx, &branches, `
		SELECT b.* FROM git_branch b
		JOIN git_commit_branch cb ON cb.branch_id = b.id
		WHERE b.repo_id = ? AND cb.commit_sha = ?`, repoID, sha)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return branches, nil
}

// GetBranchHead returns the current head Commit for a branch name, or
// NotFound if the branch has never been observed.
func (s *Store) GetBranchHead(ctx context.Context, repoID int64, branchName string) (*Commit, error) {
	var b Branch
	err := s.db.GetContext(ctx, &b, `SELECT * FROM git_branch WHERE repo_id = ? AND name = ?`, repoID, branchName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkinds.Wrapf(errkinds.NotFound, "branch %s", branchName)
	}
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	var c Commit
	err = s.db.GetContext(ctx, &c, `SELECT * FROM git_commit WHERE repo_id = ? AND sha = ?`, repoID, b.HeadCommitSha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkinds.Wrapf(errkinds.NotFound, "commit %s", b.HeadCommitSha)
	}
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &c, nil
}

// LatestSuccessfulCommit returns the newest commit with build_status =
// Success that is reachable from the named branch, used by the Reconciler
// to compute status.latestSha (§4.7 step 3). Newest is defined by rowid
// insertion order, since commit timestamps are supplied by an untrusted
// upstream and git history is not guaranteed linear.
func (s *Store) LatestSuccessfulCommit(ctx context.Context, repoID int64, branchName string) (*Commit, error) {
	var c Commit
	err := s.db.GetContext(ctx, &c, `
		SELECT gc.* FROM git_commit gc
		JOIN git_commit_branch cb ON cb.commit_sha = gc.sha
		JOIN git_branch b ON b.id = cb.branch_id
		WHERE b.repo_id = ? AND b.name = ? AND gc.build_status = ?
		ORDER BY gc.rowid DESC LIMIT 1`, repoID, branchName, BuildStatusSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkinds.Wrapf(errkinds.NotFound, "no successful commit on %s", branchName)
	}
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &c, nil
}

// IsNewerSuccessfulCommit reports whether a successful commit strictly newer
// than afterSha exists on the branch (§4.7 step 4). "Newer" again follows
// insertion order.
func (s *Store) IsNewerSuccessfulCommit(ctx context.Context, repoID int64, branchName, afterSha string) (bool, error) {
	if afterSha == "" {
		_, err := s.LatestSuccessfulCommit(ctx, repoID, branchName)
		if errors.Is(err, errkinds.NotFound) {
			return false, nil
		}
		return err == nil, err
	}
	var afterRowID int64
	err := s.db.GetContext(ctx, &afterRowID, `SELECT rowid FROM git_commit WHERE repo_id = ? AND sha = ?`, repoID, afterSha)
	if errors.Is(err, sql.ErrNoRows) {
		afterRowID = 0
	} else if err != nil {
		return false, errkinds.Wrap(errkinds.Io, err)
	}
	var count int
	err = s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM git_commit gc
		JOIN git_commit_branch cb ON cb.commit_sha = gc.sha
		JOIN git_branch b ON b.id = cb.branch_id
		WHERE b.repo_id = ? AND b.name = ? AND gc.build_status = ? AND gc.rowid > ?`,
		repoID, branchName, BuildStatusSuccess, afterRowID)
	if err != nil {
		return false, errkinds.Wrap(errkinds.Io, err)
	}
	return count > 0, nil
}

// RecordConfigFingerprint caches a DeployConfig's config_version_hash,
// keyed by namespace/name, for later orphan detection.
func (s *Store) RecordConfigFingerprint(ctx context.Context, ns, name, repoOwner, repoName, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_config_fingerprint (namespace, name, repo_owner, repo_name, config_version_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, name) DO UPDATE SET
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			config_version_hash = excluded.config_version_hash,
			updated_at = excluded.updated_at`,
		ns, name, repoOwner, repoName, hash)
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// DeleteConfigFingerprint removes a cached fingerprint, called once an
// undeploy has fully pruned a DeployConfig's children.
func (s *Store) DeleteConfigFingerprint(ctx context.Context, ns, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deploy_config_fingerprint WHERE namespace = ? AND name = ?`, ns, name); err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// FingerprintsForRepo lists the DeployConfig fingerprints this store
// believes originated from (owner, name), used by the Config Synchroniser to
// find DCs that are no longer present among desired configs (§4.6 step 5).
func (s *Store) FingerprintsForRepo(ctx context.Context, owner, name string) ([]ConfigFingerprint, error) {
	var out []ConfigFingerprint
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM deploy_config_fingerprint WHERE repo_owner = ? AND repo_name = ?`, owner, name)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return out, nil
}

// FingerprintForDC returns the cached config_version_hash for a single DC,
// used by the Reconciler to fill in wantedConfigSha (§4.7 steps 4-5) without
// recomputing the hash itself.
func (s *Store) FingerprintForDC(ctx context.Context, ns, name string) (*ConfigFingerprint, error) {
	var fp ConfigFingerprint
	err := s.db.GetContext(ctx, &fp, `
		SELECT * FROM deploy_config_fingerprint WHERE namespace = ? AND name = ?`, ns, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkinds.Wrapf(errkinds.NotFound, "fingerprint %s/%s: %w", ns, name, err)
		}
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return &fp, nil
}

// AppendHistory writes one append-only DeployHistory row.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_history (id, dc_namespace, dc_name, ts, artifact_sha, config_sha, action, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DCNamespace, entry.DCName, entry.Ts, entry.ArtifactSha, entry.ConfigSha,
		entry.Action, entry.Outcome, entry.Error)
	if err != nil {
		return errkinds.Wrap(errkinds.Io, err)
	}
	return nil
}

// HistoryForDC returns the append-only history for a DeployConfig, newest
// first, used by the read-only query API (§6).
func (s *Store) HistoryForDC(ctx context.Context, ns, name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []HistoryEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM deploy_history WHERE dc_namespace = ? AND dc_name = ? ORDER BY ts DESC LIMIT ?`,
		ns, name, limit)
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Io, err)
	}
	return out, nil
}
