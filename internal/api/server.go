// Package api is the read-only query surface (§6 "External interfaces"):
// thin JSON GET endpoints over the Persistence Store's read methods,
// exposing Repository/Branch/Commit/Build views to external collaborators.
// It deliberately goes no further — no dashboard, no metrics, no auth — per
// §1's exclusions; the real UI and access control live outside this repo.
//
// Grounded on pkg/konftool/web/echo.go's Web{server *http.Server} wrapper:
// the same custom net.Listen-then-http.Server, the same middleware.Logger/
// middleware.Recover pair, the same 10s graceful-shutdown Stop.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/errkinds"
)

// Server is an opaque wrapper around http.Server, mirroring the teacher's Web
// type, adding Start/Stop around a handler built from the Persistence Store.
type Server struct {
	server *http.Server
}

// Start binds listenAddr and begins serving in the background. It never
// blocks; Stop ends it.
func Start(listenAddr string, st *store.Store) (*Server, error) {
	lsnr, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: setupEcho(st)}
	go srv.Serve(lsnr) //nolint:errcheck

	return &Server{server: srv}, nil
}

// Stop shuts the server down, giving in-flight requests up to 10 seconds to
// complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func setupEcho(st *store.Store) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h := &handlers{store: st}
	h.setupRoutes(e)
	return e
}

// statusFor maps a core error kind to the HTTP status the query API reports
// it as: NotFound is 404, InvalidInput is 400, and everything else surfaces
// as 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errkinds.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errkinds.InvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
