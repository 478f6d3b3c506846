// Package devserver is a thin ranged-GET HTTP server for recording
// files used as local test fixtures. It wraps a concrete transport
// (gofiber/fiber/v2, backed by fasthttp) around a root directory the
// same way internal/webdavadapter wraps golang.org/x/net/webdav around
// an fs.FS: the adapter owns no playback logic, just the byte-range
// contract RangedFetcher relies on (Accept-Ranges, ETag, 206 partial
// responses) against files on disk.
package devserver

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server exposes the recordings under Root at GET /recordings/<name>,
// with directory traversal rejected and every recording response
// carrying Accept-Ranges so a RangedFetcher client can issue 206 byte-range
// requests against it.
type Server struct {
	Root string
	Log  *slog.Logger

	app *fiber.App
	ln  net.Listener
}

// New constructs a Server rooted at dir. dir must exist.
func New(dir string, opts ...Option) (*Server, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("devserver: resolving root: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("devserver: root %q is not a directory", abs)
	}

	s := &Server{Root: abs, Log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${bytesSent}\n",
	}))

	app.Get("/recordings/:name", s.serveRecording)
	app.Get("/recordings", s.listRecordings)

	s.app = app
	return s, nil
}

// Option configures a Server at construction.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.Log = l } }

func (s *Server) serveRecording(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return fiber.NewError(fiber.StatusBadRequest, "invalid recording name")
	}

	path := filepath.Join(s.Root, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return fiber.NewError(fiber.StatusNotFound, "recording not found")
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	return c.SendFile(path, false)
}

func (s *Server) listRecordings(c *fiber.Ctx) error {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return c.JSON(names)
}

// Listen binds addr ("" picks a random loopback port, used in tests) and
// serves until Close is called. It returns once the listener is bound;
// the accept loop runs in its own goroutine.
func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listening on %s: %w", addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.Log.Error("devserver: serve exited", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.app.Shutdown()
}
