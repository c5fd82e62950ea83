package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/composerize"
	"github.com/web-casa/stackpilot/internal/config"
	"github.com/web-casa/stackpilot/internal/database"
	"github.com/web-casa/stackpilot/internal/docker"
	"github.com/web-casa/stackpilot/internal/eventbus"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/service"
	"github.com/web-casa/stackpilot/internal/socket"
	"github.com/web-casa/stackpilot/internal/stack"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:           "stackpilot",
	Short:         "Control plane for docker compose stacks",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func main() {
	cobra.OnInitialize(func() { config.Bind(v) })
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd(), resetPasswordCmd(), stacksCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "./data", "data directory")
	flags.String("port", "5001", "listen port")
	flags.String("compose-bin", "docker", "binary providing the compose sub-command")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("compose_bin", flags.Lookup("compose-bin"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane (default)",
		RunE:  runServe,
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// app holds what the commands touching stacks share.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	secret   string
	bus      *eventbus.Bus
	docker   *docker.Client
	registry *stack.Registry
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := database.Init(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		if secret, err = service.NewSettingService(db, nil).JWTSecret(ctx); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, logger: logger, db: db, secret: secret, bus: eventbus.New(logger)}

	// Without an engine the registry still serves files; states stay unknown.
	var states stack.StateSource
	dc, err := docker.NewClient(cfg.DockerSocket)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = dc.Ping(pingCtx)
		cancel()
		if err == nil {
			a.docker = dc
			states = dc
		} else {
			dc.Close()
		}
	}
	if err != nil {
		logger.Warn("docker engine unavailable, container states will be unknown", "socket", cfg.DockerSocket, "err", err)
	}

	runner := compose.NewRunner(cfg.StacksDir, cfg.ComposeBin, cfg.ComposeTimeout, logger)
	a.registry = stack.New(runner, states, a.bus, stack.Options{LockTimeout: cfg.LockTimeout, Logger: logger})
	if err := a.registry.Reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile stacks: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	if a.docker != nil {
		a.docker.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	limiter := auth.NewRateLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow)
	box := auth.NewSecretBox(a.secret)
	authSvc := service.NewAuthService(a.db, a.secret, cfg.TokenTTL, limiter, logger)
	totpSvc := service.NewTOTPService(a.db, box)
	authSvc.SetTwoFactor(totpSvc)
	settingSvc := service.NewSettingService(a.db, authSvc)
	agentSvc := service.NewAgentService(a.db, box, logger)

	router := agent.NewRouter(a.registry, agentSvc, socket.Dialer{HandshakeTimeout: cfg.AgentDialTimeout},
		cfg.AgentDialTimeout, agent.ForwardTimeout(cfg.ComposeTimeout, cfg.LockTimeout), logger)

	hub := socket.NewHub(a.bus, logger)
	defer hub.Close()
	dispatcher := socket.NewDispatcher(socket.Deps{
		Auth:       authSvc,
		Settings:   settingSvc,
		Agents:     agentSvc,
		Router:     router,
		Translator: composerize.Translator{},
		Revoker:    hub,
		TwoFactor:  totpSvc,
	}, logger)

	// Requests outlive their connection but not the process.
	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	server := socket.NewServer(reqCtx, hub, dispatcher, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))
	r.GET("/socket", server.Handle)
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "stacks": len(a.registry.List()), "channels": hub.Count()})
	})

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	fatal := make(chan error, 1)

	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})

	sched := cron.New()
	_, err = sched.AddFunc("@every "+cfg.RefreshInterval.String(), func() {
		refreshCtx, cancel := context.WithTimeout(gctx, cfg.RefreshInterval)
		defer cancel()
		if err := a.registry.Refresh(refreshCtx); err != nil {
			if errors.Is(err, stack.ErrStorageLost) {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			logger.Warn("refresh failed", "err", err)
			return
		}
		hub.Broadcast(protocol.PushStackList, a.registry.List())
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g.Go(func() error {
		logger.Info("stackpilot listening", "addr", httpSrv.Addr, "data_dir", cfg.DataDir, "stacks_dir", cfg.StacksDir)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
		case cause = <-fatal:
			logger.Error("unrecoverable fault, shutting down", "err", cause)
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			hub.Abort(abortCtx)
			cancel()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return cause
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	logger.Info("stackpilot stopped")
	return nil
}

func resetPasswordCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a user's password, signing out every session of that user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(username) == "" || password == "" {
				return errors.New("--username and --password are required")
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			db, err := database.Init(cfg.DBPath)
			if err != nil {
				return err
			}
			secret := cfg.JWTSecret
			if secret == "" {
				if secret, err = service.NewSettingService(db, nil).JWTSecret(cmd.Context()); err != nil {
					return err
				}
			}
			svc := service.NewAuthService(db, secret, cfg.TokenTTL, nil, newLogger(cfg))
			if err := svc.ResetPassword(cmd.Context(), username, password); err != nil {
				return err
			}
			fmt.Printf("password of %s reset\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "user to reset")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}
