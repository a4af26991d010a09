package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"peercall/internal/accounts"
	"peercall/internal/auth"
	"peercall/internal/callrecords"
	"peercall/internal/config"
	"peercall/internal/contacts"
	"peercall/internal/directory"
	"peercall/internal/httpapi"
	"peercall/internal/media"
	"peercall/internal/session"
	"peercall/internal/signal"
	"peercall/internal/store"
	"peercall/pkg/logger"
	"peercall/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// The shared signaling store runs on redis; presence disconnect rules
	// need keyspace expiry notifications (notify-keyspace-events Ex).
	st := store.NewRedisStore(rdb, log)
	defer st.Close()

	mailbox := signal.NewMailbox(st, log)
	dir := directory.NewService(st, log)
	hub := session.NewHub(mailbox, dir, func(callType string) (media.Transport, error) {
		return media.NewPionTransport(media.PionConfig{
			STUNURLs: cfg.Call.STUNURLs,
			Video:    callType == signal.CallTypeVideo,
		}, log)
	}, log)

	h := &httpapi.Handlers{
		Auth:          authManager,
		Accounts:      accounts.NewService(accounts.NewPGRepo(db)),
		Directory:     dir,
		Contacts:      contacts.NewService(contacts.NewPGRepo(db)),
		Records:       callrecords.NewService(callrecords.NewPGRepo(db)),
		Hub:           hub,
		Store:         st,
		Redis:         rdb,
		RingTimeout:   cfg.Call.RingTimeout,
		MaxConcurrent: cfg.Call.MaxConcurrent,
		Log:           log,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up live calls before the listener closes so shared signaling
	// state does not outlive the process.
	hub.Close(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
