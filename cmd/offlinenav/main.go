package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offlinenav/internal/api"
	"offlinenav/pkg/config"
	"offlinenav/pkg/db"
	"offlinenav/pkg/db/maintenance"
	"offlinenav/pkg/location"
	"offlinenav/pkg/logging"
	"offlinenav/pkg/nav"
	"offlinenav/pkg/nominatim"
	"offlinenav/pkg/osrm"
	"offlinenav/pkg/overpass"
	"offlinenav/pkg/pack"
	"offlinenav/pkg/probe"
	"offlinenav/pkg/request"
	"offlinenav/pkg/store"
	"offlinenav/pkg/tracker"
	"offlinenav/pkg/version"
)

const maintenanceInterval = 6 * time.Hour

var (
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	configPath = flag.String("config", "configs/offlinenav.yaml", "Path to the config file")
	envPath    = flag.String("env", ".env", "Optional dotenv file with OFFLINENAV_* overrides")
)

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

// Services holds the wired application components.
type Services struct {
	Tracker  *tracker.Tracker
	Store    *store.SQLiteStore
	Packs    *pack.Manager
	Location *location.Service
	Nav      *nav.Service
	Request  *request.Client
	Upstream map[string]string
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("offlinenav started", "version", version.Version)

	dbConn, st, err := initDB(appCfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if _, err := maintenance.Run(ctx, st, dbConn, appCfg.Cache.Retention.Std()); err != nil {
		slog.Error("Maintenance tasks failed", "error", err)
	}
	go maintenance.Schedule(ctx, maintenanceInterval, st, dbConn, appCfg.Cache.Retention.Std())

	svcs, err := initServices(appCfg, st)
	if err != nil {
		return err
	}

	probes := []probe.Probe{probe.StateRoundTrip(st)}
	for name, u := range svcs.Upstream {
		probes = append(probes, probe.Reachable(name, u, svcs.Request))
	}
	results := probe.Run(ctx, 5*time.Second, probes)
	if err := probe.AnalyzeResults(results); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	return runServer(ctx, appCfg, svcs)
}

func initDB(appCfg *config.Config) (*db.DB, *store.SQLiteStore, error) {
	dbConn, err := db.Init(appCfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return dbConn, store.NewSQLiteStore(dbConn), nil
}

func initServices(cfg *config.Config, st *store.SQLiteStore) (*Services, error) {
	tr := tracker.New()
	reqClient := request.New(tr, request.Options{
		Timeout:     cfg.Request.Timeout.Std(),
		UserAgent:   cfg.Request.UserAgent,
		MaxAttempts: cfg.Request.Retries,
		Gap:         cfg.Request.Gap.Std(),
		Backoff:     request.NewProviderBackoff(cfg.Request.Backoff.BaseDelay.Std(), cfg.Request.Backoff.MaxDelay.Std()),
	})

	overpassClient := overpass.NewClient(reqClient, cfg.Endpoints.Overpass)
	osrmClient := osrm.NewClient(reqClient, cfg.Endpoints.OSRM)
	geocoder := nominatim.NewClient(reqClient, cfg.Endpoints.Nominatim)
	if cfg.Location.Language != "" {
		geocoder.Language = cfg.Location.Language
	}

	packs := pack.NewManager(st, pack.WithLogger(slog.With("component", "pack")))

	locSvc, err := location.NewService(&location.ManualPositioner{}, geocoder, location.Config{
		MaxAge:  cfg.Location.MaxAge.Std(),
		Persist: st,
		Tracker: tr,
		Logger:  slog.With("component", "location"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize location service: %w", err)
	}

	navSvc, err := nav.NewService(overpassClient, osrmClient, packs, locSvc, nav.Config{
		NearbyTTL:      cfg.Cache.NearbyTTL.Std(),
		NearbyCapacity: cfg.Cache.NearbyCapacity,
		RouteCapacity:  cfg.Cache.RouteCapacity,
		FetchTimeout:   cfg.Cache.FetchTimeout.Std(),
		Persist:        st,
		Tracker:        tr,
		Logger:         slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nav service: %w", err)
	}

	return &Services{
		Tracker:  tr,
		Store:    st,
		Packs:    packs,
		Location: locSvc,
		Nav:      navSvc,
		Request:  reqClient,
		Upstream: map[string]string{
			"Overpass":  overpassClient.Endpoint,
			"OSRM":      osrmClient.Endpoint,
			"Nominatim": geocoder.Endpoint,
		},
	}, nil
}

func runServer(ctx context.Context, cfg *config.Config, svcs *Services) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	shutdownFunc := func() { quit <- syscall.SIGTERM }

	srv := api.NewServer(cfg.Server.Address,
		svcs.Tracker,
		api.NewStatsHandler(svcs.Tracker, svcs.Packs),
		api.NewPackHandler(svcs.Packs, svcs.Nav),
		api.NewNavHandler(svcs.Nav, int(cfg.Nav.DefaultRadius.Meters())),
		api.NewLocationHandler(svcs.Location),
		shutdownFunc,
	)

	srv.Handler = loggingMiddleware(srv.Handler)
	return runServerLifecycle(ctx, srv, quit, cfg.Server.ShutdownTimeout.Std())
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal, timeout time.Duration) error {
	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket handlers take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.RequestLogger.Info("Request Processed", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
