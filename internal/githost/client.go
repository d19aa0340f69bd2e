// Package githost is the Source-Host Client (§4.2): it resolves branches to
// head SHAs, fetches file contents at a given SHA, and lists `.deploy/`
// directory entries, authenticating per-owner via a pool of GitHub App
// installation credentials.
//
// Grounded on pkg/konftool/gh_app (the teacher's own GitHub App onboarding
// flow, which already imports github.com/google/go-github/v61/github and
// drives the same check_run/check_suite/push event vocabulary used here).
package githost

import (
	"context"

	"github.com/google/go-github/v61/github"

	"github.com/coolkev/cicd/pkg/errkinds"
)

// TreeEntry is one entry returned by listTree.
type TreeEntry struct {
	Path string
	Type string // "blob" or "tree"
	Sha  string
}

// Client is safe for concurrent use; all state is either immutable or
// guarded by CredentialPool's own mutex.
type Client struct {
	creds *CredentialPool
}

// NewClient builds a Source-Host Client over the given credential pool.
func NewClient(creds *CredentialPool) *Client {
	return &Client{creds: creds}
}

// ResolveBranch resolves a branch name to its current head SHA.
func (c *Client) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	gh, err := c.creds.clientFor(ctx, owner)
	if err != nil {
		return "", err
	}
	ref, err := withRateLimitRetry(ctx, func() (*github.Reference, *github.Response, error) {
		return gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	})
	if err != nil {
		return "", err
	}
	return ref.GetObject().GetSHA(), nil
}

// ListTree lists the entries directly inside path at the given SHA. A
// non-existent path is reported as errkinds.NotFound so callers
// (Config Synchroniser) can treat a missing .deploy/ as an empty list.
func (c *Client) ListTree(ctx context.Context, owner, repo, sha, path string) ([]TreeEntry, error) {
	gh, err := c.creds.clientFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	_, dirContents, err := withRateLimitRetryPair(ctx, func() (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error) {
		return gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: sha})
	})
	if err != nil {
		if isGithubNotFound(err) {
			return nil, errkinds.Wrapf(errkinds.NotFound, "%s", path)
		}
		return nil, err
	}
	entries := make([]TreeEntry, 0, len(dirContents))
	for _, entry := range dirContents {
		entries = append(entries, TreeEntry{
			Path: entry.GetPath(),
			Type: entry.GetType(),
			Sha:  entry.GetSHA(),
		})
	}
	return entries, nil
}

// GetBlob fetches the raw bytes of a file at a given SHA.
func (c *Client) GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error) {
	gh, err := c.creds.clientFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	fileContent, _, err := withRateLimitRetryPair(ctx, func() (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error) {
		return gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: sha})
	})
	if err != nil {
		if isGithubNotFound(err) {
			return nil, errkinds.Wrapf(errkinds.NotFound, "%s", path)
		}
		return nil, err
	}
	if fileContent == nil {
		return nil, errkinds.Wrapf(errkinds.InvalidInput, "%s is a directory, not a file", path)
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return nil, errkinds.Wrap(errkinds.Upstream, err)
	}
	return []byte(content), nil
}

func isGithubNotFound(err error) bool {
	var ge *github.ErrorResponse
	return asGithubError(err, &ge) && ge.Response != nil && ge.Response.StatusCode == 404
}
