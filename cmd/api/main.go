package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"screenrec/internal/bus"
	"screenrec/internal/capture"
	"screenrec/internal/catalog"
	"screenrec/internal/config"
	"screenrec/internal/coordinator"
	"screenrec/internal/database"
	"screenrec/internal/grant"
	"screenrec/internal/realtime"
	"screenrec/internal/server"
	"screenrec/internal/session"
)

// app holds the long-lived components so shutdown can reach them.
type app struct {
	server *server.FiberServer
	owner  *session.Owner
	coord  *coordinator.Coordinator
	db     database.Service
	cancel context.CancelFunc
}

// forwardStopSignals turns SIGUSR1 into a STOP on the bus, the same as a
// notification action.
func forwardStopSignals(ctx context.Context, signals *bus.Bus) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			log.Println("received SIGUSR1, requesting stop")
			signals.Publish(bus.Stop())
		}
	}
}

func gracefulShutdown(a *app, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")
	stop() // Allow Ctrl+C to force shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.ShutdownWithContext(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	// Finalize any recording before the process goes away.
	if path := a.owner.Close(); path != "" {
		a.coord.HandleExternalStop(path)
	}
	a.cancel()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Server starting on %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Recordings folder: %s", cfg.Recording.Dir)

	ctx, cancel := context.WithCancel(context.Background())
	a := &app{cancel: cancel}

	var (
		store  session.Store = session.NewMemoryStore()
		ledger grant.Ledger  = grant.NewMemoryLedger()
	)
	if cfg.Database.URI != "" {
		a.db, err = database.New(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		mongoLedger := grant.NewMongoLedger(a.db.GetDatabase())
		if err := mongoLedger.EnsureIndexes(ctx); err != nil {
			log.Printf("Failed to create grant ledger indexes: %v", err)
		}
		store = session.NewMongoStore(a.db.GetDatabase())
		ledger = mongoLedger
	} else {
		log.Println("DB_URI not set, keeping session state in memory")
	}

	factory := capture.NewFFmpegFactory(capture.FFmpegConfig{
		Path:        cfg.Recording.FFmpegPath,
		InputFormat: cfg.Recording.InputFormat,
		Input:       cfg.Recording.Input,
		FrameRate:   cfg.Recording.FrameRate,
		StopTimeout: cfg.Recording.StopTimeout,
	})
	if err := factory.CheckAvailable(); err != nil {
		log.Printf("Warning: %v; recordings will fail to start", err)
	}

	geometry := capture.Geometry{
		Width:    cfg.Display.Width,
		Height:   cfg.Display.Height,
		Density:  cfg.Display.Density,
		Rotation: cfg.Display.Rotation,
	}

	signals := bus.New()
	issuer := grant.NewIssuer(cfg.Security.SigningKey, cfg.Security.GrantTTL)
	hub := realtime.NewHub()
	broker := grant.NewBroker(issuer, hub, cfg.Security.GrantAutoApprove)

	a.owner = session.NewOwner(factory, grant.NewRedeemer(issuer, ledger), store, session.Options{
		StopTimeout: cfg.Recording.StopTimeout,
	})
	if err := a.owner.Recover(ctx); err != nil {
		log.Printf("Failed to recover session state: %v", err)
	}

	recordings := catalog.New(catalog.NewFFProbe(cfg.Recording.FFprobePath, cfg.Recording.ProbeTimeout), cfg.Recording.Extension)
	a.coord = coordinator.New(a.owner, broker, recordings, hub, hub, issuer,
		coordinator.Config{
			Folder:         cfg.Recording.Dir,
			FilePrefix:     cfg.Recording.FilePrefix,
			Extension:      recordings.Extension(),
			StartDelay:     cfg.Recording.StartDelay,
			Geometry:       geometry,
			PublicURL:      cfg.Server.PublicURL,
			ActionTokenTTL: cfg.Security.ActionTokenTTL,
		})
	a.owner.OnSignalStop(a.coord.HandleExternalStop)

	go hub.Run(ctx)
	go a.owner.Run(ctx, signals)
	go forwardStopSignals(ctx, signals)

	a.server = server.New(cfg, server.Deps{
		DB:          a.db,
		Session:     a.owner,
		Coordinator: a.coord,
		Prompts:     broker,
		Actions:     issuer,
		Signals:     signals,
		WebSocket:   realtime.NewWebSocketHandler(ctx, hub, a.coord, broker),
	})
	a.server.RegisterFiberRoutes()

	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := a.server.Listen(addr); err != nil {
			panic(fmt.Sprintf("http server error: %s", err))
		}
	}()

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(a, done)

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")
}
