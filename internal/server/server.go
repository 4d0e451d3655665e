package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/parlorhq/parlor/internal/handlers"
	"github.com/parlorhq/parlor/internal/identity"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, jwtSecret string, healthHandler *handlers.HealthHandler, chatHandler *handlers.ChatHandler, messageHandler *handlers.MessageHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	// Anonymous callers carry a session token instead of a JWT, so every
	// route skips the hard JWT requirement; identity resolution decides
	// per request.
	e.Use(identity.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return c.Request().Header.Get(echo.HeaderAuthorization) == ""
	}))

	if healthHandler != nil {
		healthHandler.Register(e)
	}
	if chatHandler != nil {
		chatHandler.Register(e)
	}
	if messageHandler != nil {
		messageHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
