package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/port/database"
)

var serveSkipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay engine and its operational HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSkipMigrations, "skip-migrations", false, "Do not apply pending migrations on startup")
}

func runServe(parent context.Context) error {
	cfg, flush, err := loadConfig()
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := relayotel.Setup(ctx, cfg.OTEL, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, !serveSkipMigrations)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics, err := relayotel.NewMetrics()
	if err != nil {
		return err
	}
	a.setMetrics(metrics)

	r := chi.NewRouter()
	r.Use(relayotel.HTTPMiddleware(serviceName))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler)
	r.Get("/readyz", a.readyHandler)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	scope := database.Scope{OrganizationCodes: cfg.Compensation.OrganizationCodes}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx, cfg.Compensation.Interval, scope)
	})
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler reports whether the process can serve traffic: PostgreSQL
// answers a ping and the broker is connected. The sandbox service is
// reported but does not gate readiness.
func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		Broker   string `json:"broker"`
		Sandbox  string `json:"sandbox"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st := readiness{Status: "ok", Postgres: "ok", Broker: "ok", Sandbox: "ok"}
	code := http.StatusOK
	if err := a.pool.Ping(ctx); err != nil {
		st.Postgres = err.Error()
		st.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if !a.queue.IsConnected() {
		st.Broker = "disconnected"
		st.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if ok, err := a.sandbox.Health(ctx); err != nil {
		st.Sandbox = err.Error()
	} else if !ok {
		st.Sandbox = "unhealthy"
	}
	writeJSON(w, code, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
