package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auth-gateway/internal/config"
	"auth-gateway/internal/factory"
	"auth-gateway/internal/handler"
	tlsmgr "auth-gateway/internal/tls"
	"auth-gateway/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	util.Info("starting auth gateway",
		util.String("environment", cfg.Environment),
		util.String("domain", cfg.Server.Domain))

	f, err := factory.New(cfg)
	if err != nil {
		util.Fatal("failed to initialize", util.ErrorField(err))
	}
	defer f.Close()

	router := handler.NewRouter(f.AuthHandler, f.HealthHandler, cfg)

	httpServer := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var httpsServer *http.Server
	if cfg.Server.EnableTLS {
		manager := tlsmgr.NewManager(cfg)
		tlsConfig, err := manager.TLSConfig()
		if err != nil {
			util.Fatal("TLS setup failed", util.ErrorField(err))
		}
		httpsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.TLSPort),
			Handler:      router,
			TLSConfig:    tlsConfig,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		// Port 80 keeps serving redirects and ACME challenges.
		if cm := manager.ChallengeManager(); cm != nil {
			httpServer.Handler = cm.HTTPHandler(router)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		util.Info("HTTP listener up", util.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if httpsServer != nil {
		go func() {
			util.Info("HTTPS listener up", util.String("addr", httpsServer.Addr))
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		util.Info("shutting down", util.String("signal", sig.String()))
	case err := <-errCh:
		util.Error("server error", util.ErrorField(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		util.Error("HTTP shutdown failed", util.ErrorField(err))
	}
	if httpsServer != nil {
		if err := httpsServer.Shutdown(ctx); err != nil {
			util.Error("HTTPS shutdown failed", util.ErrorField(err))
		}
	}

	util.Info("auth gateway stopped")
}
