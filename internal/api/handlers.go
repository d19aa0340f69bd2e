package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/coolkev/cicd/internal/store"
)

type handlers struct {
	store *store.Store
}

// setupRoutes registers the query surface's GET-only routes, following the
// teacher's SetupRoutes(e webapps.EchoLike) convention of one route per
// e.GET call rather than a router-group abstraction.
func (h *handlers) setupRoutes(e *echo.Echo) {
	e.GET("/repos", h.listRepos)
	e.GET("/repos/:owner/:repo", h.getRepo)
	e.GET("/repos/:owner/:repo/branches", h.listBranches)
	e.GET("/repos/:owner/:repo/commits", h.listCommits)
	e.GET("/repos/:owner/:repo/builds", h.listBuilds)
	e.GET("/deployconfigs/:namespace/:name/history", h.history)
}

func (h *handlers) listRepos(c echo.Context) error {
	repos, err := h.store.ListRepos(c.Request().Context())
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, repos)
}

func (h *handlers) getRepo(c echo.Context) error {
	repo, err := h.store.GetRepo(c.Request().Context(), c.Param("owner"), c.Param("repo"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, repo)
}

func (h *handlers) listBranches(c echo.Context) error {
	ctx := c.Request().Context()
	repo, err := h.store.GetRepo(ctx, c.Param("owner"), c.Param("repo"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	branches, err := h.store.ListBranches(ctx, repo.ID)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, branches)
}

func (h *handlers) listCommits(c echo.Context) error {
	ctx := c.Request().Context()
	repo, err := h.store.GetRepo(ctx, c.Param("owner"), c.Param("repo"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	commits, err := h.store.ListCommits(ctx, repo.ID, limitParam(c))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, commits)
}

// build is the query API's view of a commit's build outcome (§6's "Build"
// object), a narrower projection of Commit.
type build struct {
	Sha    string            `json:"sha"`
	Status store.BuildStatus `json:"status"`
	URL    string            `json:"url"`
}

func (h *handlers) listBuilds(c echo.Context) error {
	ctx := c.Request().Context()
	repo, err := h.store.GetRepo(ctx, c.Param("owner"), c.Param("repo"))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	commits, err := h.store.ListCommits(ctx, repo.ID, limitParam(c))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	builds := make([]build, 0, len(commits))
	for _, cm := range commits {
		builds = append(builds, build{Sha: cm.Sha, Status: cm.BuildStatus, URL: cm.BuildURL})
	}
	return c.JSON(http.StatusOK, builds)
}

func (h *handlers) history(c echo.Context) error {
	hist, err := h.store.HistoryForDC(c.Request().Context(), c.Param("namespace"), c.Param("name"), limitParam(c))
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, hist)
}

func limitParam(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil {
		return 0
	}
	return n
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
