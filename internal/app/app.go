package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mazakov-d/Mammo-sub000/internal/backend"
	"github.com/Mazakov-d/Mammo-sub000/internal/config"
	"github.com/Mazakov-d/Mammo-sub000/internal/connectivity"
	"github.com/Mazakov-d/Mammo-sub000/internal/emergency"
	"github.com/Mazakov-d/Mammo-sub000/internal/location"
	"github.com/Mazakov-d/Mammo-sub000/internal/model"
	"github.com/Mazakov-d/Mammo-sub000/internal/notify"
	"github.com/Mazakov-d/Mammo-sub000/internal/store"
)

// App wires together the tracking subsystem and manages its lifecycle. It is
// the composition root: exactly one coordinator instance exists per process
// and every collaborator is injected here, never reached through globals.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	engine  *location.Engine
	manager *emergency.Manager
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all services and blocks until the context is cancelled or an
// error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	backendClient := backend.NewHTTP(a.cfg.BackendURL, a.logger)
	notifier := notify.NewLogNotifier(a.logger)

	// The daemon runs outside a device, so the provider is simulated; a
	// hosting mobile application substitutes its platform bindings here.
	provider := location.NewSimProvider(48.8566, 2.3522, 4)

	var manager *emergency.Manager
	a.engine = location.NewEngine(provider, a.logger, location.DefaultProfiles(), func(s model.LocationSample) {
		manager.OnSample(s)
	})

	manager = emergency.NewManager(emergency.Config{
		UserID:             a.cfg.UserID,
		UserName:           a.cfg.UserName,
		SampleBufferCap:    a.cfg.SampleBufferCap,
		NotifyRetryCeiling: a.cfg.NotifyRetryCeiling,
		SyncInterval:       a.cfg.SyncInterval,
	}, a.logger, a.store, backendClient, a.engine, notifier)
	a.manager = manager

	if err := manager.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate coordinator: %w", err)
	}
	defer a.engine.Stop()

	monitor := connectivity.NewMonitor(backendClient, a.logger, a.cfg.ProbeInterval, func(online bool) {
		manager.SetConnectivity(ctx, online)
	})
	go monitor.Run(ctx)
	go manager.Run(ctx)

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/alert/start", a.handleAlertStart)
	mux.HandleFunc("/api/alert/stop", a.handleAlertStop)
	mux.HandleFunc("/api/sync", a.handleForceSync)
	mux.HandleFunc("/api/clear", a.handleClear)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.manager.Snapshot()); err != nil {
		a.logger.Error("failed to encode status response", "error", err)
	}
}

func (a *App) handleAlertStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := a.manager.StartAlert(ctx); err != nil {
		a.logger.Error("start alert failed", "error", err)
		if errors.Is(err, location.ErrPermissionDenied) {
			http.Error(w, "location permission denied; grant it and retry", http.StatusConflict)
			return
		}
		http.Error(w, "failed to start alert", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"alert_active"}`))
}

func (a *App) handleAlertStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := a.manager.StopAlert(ctx); err != nil {
		a.logger.Error("stop alert failed", "error", err)
		http.Error(w, "failed to stop alert", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"alert_stopped"}`))
}

func (a *App) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if !a.manager.ForceSync(ctx) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"offline"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"synced"}`))
}

func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	a.manager.ClearData(ctx)
	w.WriteHeader(http.StatusNoContent)
}
