package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/commands"
	"chatsync/internal/config"
	"chatsync/internal/filestore"
	"chatsync/internal/http"
	"chatsync/internal/janitor"
	"chatsync/internal/notify"
	"chatsync/internal/storage"
	"chatsync/internal/ws"

	"golang.org/x/sync/errgroup"
)

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatsync", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "User id to register (prints a relay session token)")
	displayName := flags.String("name", "", "Display name for -add-user")
	session := flags.String("session", "", "User id to issue a new relay session token for")
	sweep := flags.Bool("sweep", false, "Run the ephemeral content janitor once and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *session != "" || *sweep
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *addUser != "":
		return commands.AddUser(*addUser, *displayName, cfg)
	case *session != "":
		return commands.Session(*session, cfg)
	case *sweep:
		return commands.Sweep(cfg)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	media := filestore.NewMediaStore(files, bbStorage, cfg.BaseURL, cfg.MaxUploadSize)

	relay := ws.NewServer(authService, bbStorage, logger)
	if cfg.PushEnabled() {
		relay.NotifyCalls(notify.NewPusher(bbStorage, notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		}, logger))
	} else {
		logger.Info("web push disabled, VAPID keys not configured")
	}

	sweeper := janitor.New(bbStorage, janitor.WithLogger(logger), janitor.WithMedia(media))

	apiHandlers := api.New(authService, media, bbStorage, cfg.VAPIDPublicKey, int64(cfg.MaxUploadSize))
	adminHandler := api.NewAdminHandler(authService, bbStorage, sweeper)

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, relay, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gCtx, cfg.SweepInterval)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
