// Package app wires the relay daemon: configuration, storage, the
// broadcast hub, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Desco-devs/fleet-realtime/relay"
	"github.com/Desco-devs/fleet-realtime/store"
)

type App struct {
	config  *Config
	db      *store.SQLiteDB
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  chi.Router

	exit chan int

	roomStore store.RoomStore
	presence  relay.PresenceStore
	hub       *relay.Hub
	handler   *relay.Handler

	cleanupFuncs []func(context.Context)
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	app.db, err = store.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, nil)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.roomStore = store.NewSQLiteRoomStore(app.db.DB)

	if app.config.Redis.URL != "" {
		rp, err := relay.NewRedisPresenceStore(app.context, app.config.Redis.URL)
		if err != nil {
			failed(1, "failed to connect to redis: %v\n", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			rp.Close()
		})
		app.presence = rp
	} else {
		app.presence = relay.NewMemoryPresenceStore()
	}

	app.hub = relay.NewHub(relay.WithLogger(app.logger))
	app.AddCleanupFunc(func(ctx context.Context) {
		app.hub.Close()
	})
	app.handler = relay.NewHandler(app.roomStore, app.presence, app.hub, app.logger)
	authMiddleware := relay.AuthMiddleware(app.config.Auth.Secret)

	app.router = chi.NewRouter()

	app.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Get("/ws", app.hub.ServeHTTP)
	app.router.With(authMiddleware).Mount("/api", app.handler.Routes())
	app.router.Handle("/metrics", promhttp.Handler())

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) Start() {
	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			func(wg *sync.WaitGroup) {
				defer wg.Done()
				f(closeCtx)
			}(&wg)

		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1

		}

	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("relay listening on: %s:%d",
		app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}

}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
