package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"whiteboard-server/config"
	"whiteboard-server/core"
	"whiteboard-server/handlers/api/documents"
	"whiteboard-server/handlers/websocket"
	authMiddleware "whiteboard-server/middleware"
	"whiteboard-server/relay"
	"whiteboard-server/rooms"
	"whiteboard-server/router"
	"whiteboard-server/session"
	"whiteboard-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 10 * time.Second
	ownerLookupTimeout = 5 * time.Second
)

type server struct {
	cfg      *config.Config
	store    core.DocumentStore
	resolver *session.Resolver
	hub      *websocket.Hub
}

func corsOptions(allowed []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(allowed) > 0 {
		opts.AllowedOrigins = allowed
		return opts
	}

	// Without a configured list only local development origins are allowed.
	opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		}
		return false
	}
	return opts
}

func (s *server) setupRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(s.cfg.AllowedOrigins)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	r.Get("/api/rooms", s.handleRooms)

	r.Route("/documents", func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT(s.resolver))
		r.Get("/", documents.HandleList(s.store))
		r.Post("/", documents.HandleCreate(s.store, s.cfg.MaxPayloadBytes))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(s.store))
			r.Put("/", documents.HandleUpdate(s.store, s.cfg.MaxPayloadBytes))
			r.Delete("/", documents.HandleDelete(s.store))
		})
	})

	ws := websocket.NewWSHandler(s.hub, s.cfg.AllowedOrigins, s.cfg.MaxPayloadBytes)
	r.Get("/ws", ws.HandleWebSocket)

	return r
}

// handleRooms lists the rooms open on this instance, busiest first.
func (s *server) handleRooms(w http.ResponseWriter, r *http.Request) {
	roomList := s.hub.ActiveRooms()
	sort.Slice(roomList, func(i, j int) bool {
		if roomList[i].Members != roomList[j].Members {
			return roomList[i].Members > roomList[j].Members
		}
		if !roomList[i].LastActive.Equal(roomList[j].LastActive) {
			return roomList[i].LastActive.After(roomList[j].LastActive)
		}
		return roomList[i].DocumentID < roomList[j].DocumentID
	})
	render.JSON(w, r, roomList)
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return err
	}

	registry := rooms.NewRegistry()
	var routerOpts []router.Option
	var redisRelay *relay.Redis
	if cfg.RedisAddr != "" {
		client, err := relay.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		redisRelay = relay.NewRedis(client, uuid.NewString(), relay.DefaultQueueSize)
		routerOpts = append(routerOpts, router.WithRelay(redisRelay))
		logrus.WithField("redis_addr", cfg.RedisAddr).Info("Cross-instance relay enabled")
	}
	routerOpts = append(routerOpts, router.WithOwnerCheck(stores.OwnerCheck(store, ownerLookupTimeout)))
	rt := router.New(registry, routerOpts...)

	resolver := session.NewResolver(cfg.JWTSecret)
	hub := websocket.NewHub(registry, rt, resolver, store, websocket.HubOptions{
		DrawRateLimit: cfg.DrawRateLimit,
		DrawBurst:     cfg.DrawBurst,
	})

	s := &server{cfg: cfg, store: store, resolver: resolver, hub: hub}
	r := s.setupRouter()

	ioo := websocket.SetupSocketIO(hub, websocket.SocketIOOptions{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.RequestSaves(ctx, cfg.SaveRequestInterval)
	})
	if redisRelay != nil {
		g.Go(func() error {
			return redisRelay.Run(ctx, rt.DeliverRemote)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutting down...")
		ioo.Close(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closer, ok := store.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close document store")
		}
	}
	return err
}

func main() {
	listenAddr := flag.String("listen", "", "Set the server listen address (overrides LISTEN_ADDR)")
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.SetupLogging(); err != nil {
		logrus.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithField("event", "run server").Fatal(err)
	}
}
