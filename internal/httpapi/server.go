// Package httpapi exposes the operator-facing HTTP surface: health and state
// introspection plus the websocket client entry point.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parloir/internal/core"
	"parloir/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	reg  *core.Registry
}

// New constructs an Echo app with websocket + REST routes.
func New(reg *core.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, reg: reg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/rooms", s.handleRooms)
	ws.NewHandler(s.reg).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.reg.SessionCount(),
	})
}

type stateResponse struct {
	Clients  int                `json:"clients"`
	Sessions []core.SessionInfo `json:"sessions"`
}

func (s *Server) handleState(c echo.Context) error {
	sessions := s.reg.Sessions()
	if sessions == nil {
		sessions = []core.SessionInfo{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Clients:  len(sessions),
		Sessions: sessions,
	})
}

type roomsResponse struct {
	Rooms []string `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.reg.Rooms()
	if rooms == nil {
		rooms = []string{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}
