package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/coolkev/cicd/internal/store"
)

// These exercise setupEcho's handler directly via httptest, since nothing in
// the pack tests an echo.Echo over the wire; net/http/httptest is the
// standard-library way to drive an http.Handler without a real listener.

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestListReposEmpty(t *testing.T) {
	st := newTestStore(t)
	e := setupEcho(st)

	req := httptest.NewRequest(http.MethodGet, "/repos", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []store.Repository
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d repos, want 0", len(got))
	}
}

func TestGetRepoNotFound(t *testing.T) {
	st := newTestStore(t)
	e := setupEcho(st)

	req := httptest.NewRequest(http.MethodGet, "/repos/acme/widgets", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRepoBranchesAndCommitsAndBuilds(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	repo, err := st.UpsertRepo(ctx, "acme", "widgets")
	if err != nil {
		t.Fatalf("UpsertRepo: %v", err)
	}
	if err := st.SetRepoMeta(ctx, repo.ID, "main", false, "go"); err != nil {
		t.Fatalf("SetRepoMeta: %v", err)
	}
	sha := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	if err := st.UpsertCommit(ctx, store.UpsertCommitInput{RepoID: repo.ID, Sha: sha, Message: "init"}); err != nil {
		t.Fatalf("UpsertCommit: %v", err)
	}
	if _, err := st.UpsertBranch(ctx, repo.ID, "main", sha); err != nil {
		t.Fatalf("UpsertBranch: %v", err)
	}
	if err := st.SetCommitStatus(ctx, repo.ID, sha, store.BuildStatusSuccess, "https://ci.example/1"); err != nil {
		t.Fatalf("SetCommitStatus: %v", err)
	}

	e := setupEcho(st)

	var branches []store.Branch
	getJSON(t, e, "/repos/acme/widgets/branches", &branches)
	if len(branches) != 1 || branches[0].Name != "main" {
		t.Fatalf("branches = %+v, want one 'main'", branches)
	}

	var commits []store.Commit
	getJSON(t, e, "/repos/acme/widgets/commits", &commits)
	if len(commits) != 1 || commits[0].Sha != sha {
		t.Fatalf("commits = %+v, want one %s", commits, sha)
	}

	var builds []build
	getJSON(t, e, "/repos/acme/widgets/builds", &builds)
	if len(builds) != 1 || builds[0].Status != store.BuildStatusSuccess {
		t.Fatalf("builds = %+v, want one Success", builds)
	}
}

func getJSON(t *testing.T, e http.Handler, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200, body=%s", path, rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding %s body: %v", path, err)
	}
}
