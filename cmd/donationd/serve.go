package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	gongin "github.com/gin-gonic/gin"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	echomw "github.com/mihaimyh/godonate/middleware/echo"
	fibermw "github.com/mihaimyh/godonate/middleware/fiber"
	ginmw "github.com/mihaimyh/godonate/middleware/gin"
	httpmw "github.com/mihaimyh/godonate/middleware/http"
	muxmw "github.com/mihaimyh/godonate/middleware/mux"
	"github.com/mihaimyh/godonate/pkg/api"
	"github.com/mihaimyh/godonate/pkg/donation"
)

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the donation API and run the background sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}
	return cmd
}

// server is the common surface of the supported HTTP frameworks.
type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

func (a *app) serve(ctx context.Context) error {
	srv, err := a.newServer()
	if err != nil {
		return err
	}

	if a.cfg.Sweep.Interval > 0 {
		sweeper := donation.NewSweeper(a.service, donation.SweepConfig{
			Grace:       a.cfg.Sweep.Grace,
			BatchSize:   a.cfg.Sweep.BatchSize,
			Concurrency: a.cfg.Sweep.Concurrency,
		})
		go sweeper.Start(ctx, a.cfg.Sweep.Interval)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().
			Str("addr", a.cfg.Server.Addr).
			Str("router", a.cfg.Server.Router).
			Str("storage", a.cfg.Storage.Driver).
			Msg("donation API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	a.log.Info().Msg("shutdown complete")
	return nil
}

// newAPIHandler builds the donation API. withLimit installs the net/http
// rate limiter on the checkout and webhook routes; the other routers pass
// their native limiter to Mount instead.
func (a *app) newAPIHandler(withLimit bool) (*api.Handler, error) {
	config := api.Config{
		Service: a.service,
		Logger:  a.logger,
	}
	if token := a.cfg.Admin.Token; token != "" {
		config.Authorize = api.BearerToken(token)
	}
	if withLimit && a.cfg.RateLimit.Enabled {
		config.Limit = httpmw.RateLimit(a.httpLimitConfig())
	}
	return api.NewHandler(config)
}

func (a *app) httpLimitConfig() httpmw.Config {
	config := httpmw.Config{
		Limiter:  a.limiter,
		Limit:    a.cfg.RateLimit.Limit(),
		Scope:    "api",
		FailOpen: a.cfg.RateLimit.FailOpen,
	}
	if a.cfg.Server.TrustProxy {
		config.GetKey = httpmw.ForwardedFor()
	}
	return config
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// newServer mounts the API on the configured router.
func (a *app) newServer() (server, error) {
	switch a.cfg.Server.Router {
	case "gin":
		return a.ginServer()
	case "echo":
		return a.echoServer()
	case "fiber":
		return a.fiberServer()
	case "mux":
		return a.muxServer()
	default:
		return a.chiServer()
	}
}

func (a *app) httpServer(h http.Handler) *http.Server {
	return &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           h,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
	}
}

func (a *app) chiServer() (server, error) {
	h, err := a.newAPIHandler(true)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, httpmw.SecurityHeaders)
	h.Register(r)
	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metricsHandler())
	}
	return a.httpServer(r), nil
}

func (a *app) muxServer() (server, error) {
	h, err := a.newAPIHandler(false)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(httpmw.SecurityHeaders)
	if a.cfg.Metrics.Enabled {
		r.Handle(a.cfg.Metrics.Path, a.metricsHandler()).Methods(http.MethodGet)
	}
	var limit []mux.MiddlewareFunc
	if a.cfg.RateLimit.Enabled {
		limit = append(limit, muxmw.RateLimit(a.httpLimitConfig()))
	}
	muxmw.Mount(r, h.Routes(), limit...)
	return a.httpServer(r), nil
}

func (a *app) ginServer() (server, error) {
	h, err := a.newAPIHandler(false)
	if err != nil {
		return nil, err
	}

	gongin.SetMode(gongin.ReleaseMode)
	r := gongin.New()
	r.Use(gongin.Recovery(), ginSecurityHeaders)

	var mw []gongin.HandlerFunc
	if a.cfg.RateLimit.Enabled {
		config := ginmw.Config{
			Limiter:  a.limiter,
			Limit:    a.cfg.RateLimit.Limit(),
			Scope:    "api",
			FailOpen: a.cfg.RateLimit.FailOpen,
		}
		if a.cfg.Server.TrustProxy {
			config.GetKey = ginmw.FromHeader("X-Forwarded-For")
		}
		mw = append(mw, ginmw.RateLimit(config))
	}
	ginmw.Mount(r, h.Routes(), mw...)
	if a.cfg.Metrics.Enabled {
		r.GET(a.cfg.Metrics.Path, gongin.WrapH(a.metricsHandler()))
	}
	return a.httpServer(r), nil
}

// ginSecurityHeaders runs httpmw.SecurityHeaders as gin middleware.
func ginSecurityHeaders(c *gongin.Context) {
	httpmw.SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		c.Next()
	})).ServeHTTP(c.Writer, c.Request)
}

func (a *app) echoServer() (server, error) {
	h, err := a.newAPIHandler(false)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echo.WrapMiddleware(httpmw.SecurityHeaders))

	var mw []echo.MiddlewareFunc
	if a.cfg.RateLimit.Enabled {
		config := echomw.Config{
			Limiter:  a.limiter,
			Limit:    a.cfg.RateLimit.Limit(),
			Scope:    "api",
			FailOpen: a.cfg.RateLimit.FailOpen,
		}
		if a.cfg.Server.TrustProxy {
			config.GetKey = echomw.FromHeader("X-Forwarded-For")
		}
		mw = append(mw, echomw.RateLimit(config))
	}
	echomw.Mount(e, h.Routes(), mw...)
	if a.cfg.Metrics.Enabled {
		e.GET(a.cfg.Metrics.Path, echo.WrapHandler(a.metricsHandler()))
	}
	e.Server = a.httpServer(e)
	return echoServer{e: e}, nil
}

// echoServer adapts *echo.Echo to server.
type echoServer struct {
	e *echo.Echo
}

func (s echoServer) ListenAndServe() error { return s.e.StartServer(s.e.Server) }

func (s echoServer) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (a *app) fiberServer() (server, error) {
	h, err := a.newAPIHandler(false)
	if err != nil {
		return nil, err
	}

	fconfig := fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           a.cfg.Server.ReadTimeout,
		WriteTimeout:          a.cfg.Server.WriteTimeout,
		IdleTimeout:           a.cfg.Server.IdleTimeout,
		// Oversized webhooks must reach the handler to be answered with 413
		BodyLimit: int(api.DefaultMaxWebhookBytes) * 2,
	}
	if a.cfg.Server.TrustProxy {
		fconfig.ProxyHeader = fiber.HeaderXForwardedFor
	}
	fapp := fiber.New(fconfig)
	fapp.Use(adaptor.HTTPMiddleware(httpmw.SecurityHeaders))

	var mw []fiber.Handler
	if a.cfg.RateLimit.Enabled {
		mw = append(mw, fibermw.RateLimit(fibermw.Config{
			Limiter:  a.limiter,
			Limit:    a.cfg.RateLimit.Limit(),
			Scope:    "api",
			FailOpen: a.cfg.RateLimit.FailOpen,
		}))
	}
	fibermw.Mount(fapp, h.Routes(), mw...)
	if a.cfg.Metrics.Enabled {
		fapp.Get(a.cfg.Metrics.Path, adaptor.HTTPHandler(a.metricsHandler()))
	}
	return fiberServer{app: fapp, addr: a.cfg.Server.Addr}, nil
}

// fiberServer adapts *fiber.App to server.
type fiberServer struct {
	app  *fiber.App
	addr string
}

func (s fiberServer) ListenAndServe() error { return s.app.Listen(s.addr) }

func (s fiberServer) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }
