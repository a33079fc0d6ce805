// Package daemon wires the crypto core's nine components to a homeserver
// and runs the long-poll sync loop that feeds it (spec.md §6, §9).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"maunium.net/go/mautrix/id"

	"github.com/n42/mautrix-e2ee/internal/config"
	"github.com/n42/mautrix-e2ee/internal/crypto"
	"github.com/n42/mautrix-e2ee/internal/database"
)

// Daemon ties the crypto core to a running homeserver connection: it owns
// the database, constructs the nine crypto components, and drives them from
// a long-poll /sync loop (spec.md §6, §9).
type Daemon struct {
	Config *config.Config
	Log    *slog.Logger
	UserID id.UserID

	DB      *database.Database
	Store   *crypto.Store
	Account *crypto.IdentityAccount
	Dir     *crypto.Directory
	Olm     *crypto.OlmSessions
	Megolm  *crypto.GroupSessions
	Manager *crypto.Manager
	Crypto  CryptoHelper

	registry      *prometheus.Registry
	metrics       *crypto.Metrics
	metricsServer *http.Server

	syncClient *syncClient

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New constructs a Daemon from cfg, opening and pinging the database but
// not contacting the homeserver; call Start to bring the crypto core up and
// begin syncing.
func New(cfg *config.Config, log *slog.Logger, userID id.UserID, deviceID id.DeviceID, accessToken string) (*Daemon, error) {
	db, err := database.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	store := crypto.NewStore(db.DB())
	prim := crypto.NewPrimitives()

	var pickleProvider crypto.PicklingKeyProvider
	switch cfg.Crypto.PicklingKeyMode {
	case "mock":
		pickleProvider = crypto.NewMockPicklingKeyProvider(crypto.PickleKey{})
	default:
		pickleProvider = crypto.NewKeyringPicklingKeyProvider(log.With("component", "pickle_key"), cfg.Crypto.KeyringService)
	}

	account := crypto.NewIdentityAccount(log.With("component", "account"), store, pickleProvider, prim, userID, deviceID)
	directory := crypto.NewDirectory(store, prim)

	pickleKey, err := pickleProvider.GetOrCreate(context.Background(), string(userID))
	if err != nil {
		return nil, fmt.Errorf("resolve pickling key: %w", err)
	}
	olmSessions := crypto.NewOlmSessions(store, pickleKey)
	megolm := crypto.NewGroupSessions(store, pickleKey)

	transport := crypto.NewHTTPTransport(http.DefaultClient, cfg.Homeserver.Address, accessToken)

	manager := crypto.NewManager(log.With("component", "session_manager"), store, account, directory, olmSessions, megolm, prim, transport, userID, deviceID)

	registry := prometheus.NewRegistry()
	metrics := crypto.NewMetrics(registry)
	manager.SetMetrics(metrics)

	d := &Daemon{
		Config:   cfg,
		Log:      log,
		UserID:   userID,
		DB:       db,
		Store:    store,
		Account:  account,
		Dir:      directory,
		Olm:      olmSessions,
		Megolm:   megolm,
		Manager:  manager,
		registry: registry,
		metrics:  metrics,
	}
	d.Crypto = NewCryptoHelper(manager)
	d.syncClient = newSyncClient(http.DefaultClient, cfg.Homeserver.Address, accessToken, log.With("component", "sync"))
	return d, nil
}

// Start runs database migrations, brings the crypto core up to Ready
// (spec.md §4.7), and starts the background sync loop and metrics server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	if err := d.DB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	d.Log.Info("database migrations complete")

	if err := d.Manager.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	d.Log.Info("session manager ready", "user_id", d.UserID)

	if d.Config.Metrics.Enabled {
		d.startMetricsServer()
	}

	syncCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.runSyncLoop(syncCtx)

	d.running = true
	return nil
}

// Stop cancels the sync loop and shuts down the metrics server.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.Log.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := d.DB.Close(); err != nil {
		d.Log.Error("database close error", "error", err)
	}
	d.running = false
	return nil
}

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.Log.Info("received shutdown signal", "signal", sig)

	return d.Stop()
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", d.handleHealth)

	d.metricsServer = &http.Server{
		Addr:         d.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		d.Log.Info("metrics server listening", "addr", d.Config.Metrics.Listen)
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.Log.Error("metrics server error", "error", err)
		}
	}()
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"session_manager_state": d.Manager.State().String(),
	}
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// runSyncLoop repeatedly calls /sync and feeds each response to the Session
// Manager, retrying with backoff on transport failures (spec.md §6, §9).
func (d *Daemon) runSyncLoop(ctx context.Context) {
	since := ""
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := d.syncClient.sync(ctx, since, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.Log.Error("sync failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := d.Manager.HandleSync(ctx, resp.otkCounts, resp.deviceListChanged, resp.deviceListLeft, resp.stateEvents, resp.timelineEvents, resp.toDeviceEvents, resp.accountDataEvents); err != nil {
			d.Log.Error("handle sync failed", "error", err)
		}
		since = resp.nextBatch
	}
}
