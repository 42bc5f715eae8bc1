package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/chatroom"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/auth"
	"github.com/real-rm/chatroom/internal/config"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/directory"
	"github.com/real-rm/chatroom/internal/logging"
	"github.com/real-rm/chatroom/internal/seed"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type rootOptions struct {
	envFiles []string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatroom",
		Short:         "Session-scoped real-time chat server with knowledge-tree AI answers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files to load before reading the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(newServeCmd(opts), newSeedCmd(opts))
	return root
}

// loadConfig reads the configuration and builds the root logger
func loadConfig(opts *rootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs until ctx ends, then drains connections within ShutdownTimeout
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	svc, err := chatroom.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	svc.Register(engine)

	srv := NewHTTPServer(":"+strconv.Itoa(cfg.Server.Port), engine)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Str("prefix", cfg.Server.PathPrefix).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		// websocket connections are hijacked, so the service drains them itself
		svcErr := svc.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Join(fmt.Errorf("http shutdown: %w", err), svcErr)
		}
		return svcErr
	})
	return eg.Wait()
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create users and chatbots from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			res, err := runSeed(cmd.Context(), cfg, logger, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "users: %d created, %d existing; chatbots: %d created, %d skipped\n",
				res.UsersCreated, res.UsersExisting, res.ChatbotsCreated, res.ChatbotsSkipped)
			return nil
		},
	}
}

// runSeed applies a fixture directly against the store; no server is needed
func runSeed(ctx context.Context, cfg *config.Config, logger zerolog.Logger, path string) (*seed.Result, error) {
	f, err := seed.LoadFile(path)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg.Store.StorageOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	policy := access.NewPolicy(store, logger)
	// tokens are never issued while seeding
	dir := directory.NewService(store, policy, auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL), logger)
	return seed.NewSeeder(dir, store, logger).Apply(ctx, f)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "chatroom:", err)
		os.Exit(1)
	}
}
