package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shardrealm.gg/internal/auth"
	"shardrealm.gg/internal/config"
	"shardrealm.gg/internal/persistence/changelog"
	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/realm"
	"shardrealm.gg/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "config file path (optional; env overrides apply either way)")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	store, err := realmdb.Open(cfg.DB.Path)
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	svc := realm.NewService(store, realm.NewHub(), logger, cfg.Socket.SendBufferFrames)

	ctx, cancel := signalContext()
	defer cancel()

	archiver := changelog.NewArchiver(cfg.DB.ArchiveDir)
	defer archiver.Close()
	go runRetentionSweeper(ctx, store, archiver, cfg.Feed, logger)

	processor := realm.NewIntentProcessor(svc, logger, cfg.Feed.IntentInterval)
	go processor.Run(ctx)

	wsServer := ws.NewServer(svc, verifier, logger, ws.Options{
		ReadLimitBytes:   cfg.Socket.ReadLimitBytes,
		WriteTimeout:     cfg.Socket.WriteTimeout,
		PongTimeout:      cfg.Socket.PongTimeout,
		SendBufferFrames: cfg.Socket.SendBufferFrames,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(store, wsServer))
	mux.HandleFunc("/ws/realm", wsServer.RealmHandler())
	mux.HandleFunc("/ws/progression", wsServer.ProgressionHandler())

	srv := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.Listen.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// runRetentionSweeper periodically moves expired change-log entries out
// of the hot table and into the compressed archive.
func runRetentionSweeper(ctx context.Context, store *realmdb.Store, archiver *changelog.Archiver, feed config.Feed, logger *log.Logger) {
	ticker := time.NewTicker(feed.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := realmdb.Stamp(time.Now().Add(-feed.Retention))
			pruned, err := store.PruneChangesBefore(ctx, cutoff)
			if err != nil {
				logger.Printf("prune changes: %v", err)
				continue
			}
			if len(pruned) == 0 {
				continue
			}
			if err := archiver.WriteChanges(pruned); err != nil {
				logger.Printf("archive changes: %v", err)
				continue
			}
			logger.Printf("archived %d change entries older than %s", len(pruned), cutoff)
		}
	}
}

func metricsHandler(store *realmdb.Store, wsServer *ws.Server) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		s := wsServer.Stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP shardrealm_ws_connections Currently open websocket connections.\n")
		fmt.Fprintf(rw, "# TYPE shardrealm_ws_connections gauge\n")
		fmt.Fprintf(rw, "shardrealm_ws_connections %d\n", s.Connections)

		fmt.Fprintf(rw, "# HELP shardrealm_ws_frames_out_total Frames written to clients.\n")
		fmt.Fprintf(rw, "# TYPE shardrealm_ws_frames_out_total counter\n")
		fmt.Fprintf(rw, "shardrealm_ws_frames_out_total %d\n", s.FramesOut)

		fmt.Fprintf(rw, "# HELP shardrealm_mutations_total Accepted chunk mutations.\n")
		fmt.Fprintf(rw, "# TYPE shardrealm_mutations_total counter\n")
		fmt.Fprintf(rw, "shardrealm_mutations_total %d\n", s.Mutations)

		fmt.Fprintf(rw, "# HELP shardrealm_mutations_rejected_total Rejected chunk mutations.\n")
		fmt.Fprintf(rw, "# TYPE shardrealm_mutations_rejected_total counter\n")
		fmt.Fprintf(rw, "shardrealm_mutations_rejected_total %d\n", s.Rejected)

		if depth, err := store.PendingChanges(r.Context()); err == nil {
			fmt.Fprintf(rw, "# HELP shardrealm_change_feed_depth Change-log rows retained in the hot table.\n")
			fmt.Fprintf(rw, "# TYPE shardrealm_change_feed_depth gauge\n")
			fmt.Fprintf(rw, "shardrealm_change_feed_depth %d\n", depth)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
