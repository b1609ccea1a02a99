// Package ops serves the optional operations endpoint: a JSON health report
// and, when enabled, the runtime profiler.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token unless AllowInsecure is set.
package ops

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	rtsup "ec2toggle/internal/runtime/supervisor"
	logx "ec2toggle/pkg/logx"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthFunc reports the live state served on /healthz. ok=false turns the
// response into a 503.
type HealthFunc func() (report any, ok bool)

type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	health HealthFunc

	app      *fiber.App
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if health == nil {
		health = func() (any, bool) { return fiber.Map{"status": "ok"}, true }
	}
	return &Server{cfg: cfg, health: health, log: log}
}

// Reconfigure applies cfg and starts, stops or restarts the listener as
// needed. Safe to call from the config reload loop.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent and a no-op while disabled.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// the ops endpoint must never take the app down
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	app, sup := s.app, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if app != nil {
			_ = app.ShutdownWithContext(ctx)
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.app, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("ops endpoint stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("ops endpoint refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("ops endpoint refused to start: insecure bind")
		}
		s.log.Warn("ops endpoint running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	app := s.handler(cur)
	s.mu.Lock()
	s.app = app
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(2 * time.Second)
	}()

	s.log.Info("ops endpoint started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = app.Listener(ln)

	s.mu.Lock()
	if s.app == app {
		s.app = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil {
		return errors.New("ops endpoint exited unexpectedly")
	}
	return err
}

func (s *Server) handler(cur Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ec2toggle-ops",
		DisableStartupMessage: true,
		ReadTimeout:           cur.ReadTimeout,
		WriteTimeout:          cur.WriteTimeout,
	})
	app.Use(recover.New())
	app.Use(tokenAuth(cur.Token))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		report, ok := s.health()
		if !ok {
			c.Status(fiber.StatusServiceUnavailable)
		}
		return c.JSON(report)
	})
	if cur.Pprof {
		app.Use(pprof.New())
	}
	return app
}

// tokenAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func tokenAuth(token string) fiber.Handler {
	tok := strings.TrimSpace(token)
	return func(c *fiber.Ctx) error {
		if tok == "" {
			return c.Next()
		}
		if got := c.Query("token"); got != "" {
			if got == tok {
				return c.Next()
			}
			return unauthorized(c)
		}
		const p = "Bearer "
		if ah := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			return c.Next()
		}
		return unauthorized(c)
	}
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	return c.Status(fiber.StatusUnauthorized).SendString("unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
