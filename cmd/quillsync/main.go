package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ilnaes/quillsync/internal/auth"
	"github.com/ilnaes/quillsync/internal/broadcast"
	"github.com/ilnaes/quillsync/internal/config"
	"github.com/ilnaes/quillsync/internal/coordinator"
	"github.com/ilnaes/quillsync/internal/discovery"
	"github.com/ilnaes/quillsync/internal/gateway"
	"github.com/ilnaes/quillsync/internal/room"
	"github.com/ilnaes/quillsync/internal/server"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", os.Getenv("QUILL_CONFIG"), "path to a yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	log.Debug("loaded config", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		if rdb, err = openRedis(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
	}

	logs, err := openStore(ctx, cfg.Store, rdb)
	if err != nil {
		return err
	}
	defer func() {
		if err := logs.Close(); err != nil {
			log.Error("failed to close store", "err", err)
		}
	}()

	gwCfg := gateway.Config{
		Converter: gateway.Pandoc{Path: cfg.Export.PandocPath, Dir: cfg.Export.Dir},
		Logs:      logs,
		Log:       log,
	}
	if cfg.S3.Enabled() {
		objects, err := gateway.NewS3Store(ctx, gateway.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			EndpointDomain: cfg.S3.EndpointDomain,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.Key,
			SecretKey:      cfg.S3.Secret,
			Bucket:         cfg.S3.Bucket,
			PathStyle:      cfg.S3.PathStyle,
		})
		if err != nil {
			return err
		}
		gwCfg.Objects = objects
	} else {
		log.Warn("no S3 bucket configured, uploads and exports are disabled")
	}

	var authz auth.Authorizer = auth.AllowAll{}
	if cfg.JWTSecret != "" {
		authz = auth.NewJWTAuthorizer(cfg.JWTSecret)
	}

	rooms := room.NewManager()
	hub := broadcast.NewHub(rooms)
	var out broadcast.Broadcaster = hub
	if cfg.Relay == "redis" {
		relay := broadcast.NewRedisRelay(hub, rdb, "", log)
		if err := relay.Start(ctx); err != nil {
			return err
		}
		out = relay
	}

	coord := coordinator.New(coordinator.Config{
		Logs:    logs,
		Rooms:   rooms,
		Out:     out,
		Gateway: gateway.New(gwCfg),
		Auth:    authz,
		Log:     log,
	})
	srv := server.NewServer(server.Config{
		Coordinator:    coord,
		Hub:            hub,
		Log:            log,
		MaxMessageSize: cfg.MaxMessageSize,
		Debug:          cfg.Debug,
	})

	if cfg.MDNS {
		shutdown, err := discovery.Advertise(cfg.Port, log)
		if err != nil {
			log.Error("mdns disabled", "err", err)
		} else {
			defer shutdown()
		}
	}

	wg := new(sync.WaitGroup)
	errc := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := srv.Run(ctx, cfg.ListenAddr(), cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		cancel()
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
