package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/config"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/database"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/idempotency"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/server"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Marketplace order API with idempotent mutations and purchase intelligence",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(recomputeSuppliersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging configures zerolog from the loaded config. Outside production
// it pretty prints with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func bootstrap() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg)

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cfg, db, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the idempotency sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}

			services := server.NewServices(cfg, db)
			router := server.NewRouter(cfg, services)

			sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
			defer sweeperCancel()
			go idempotency.NewSweeper(services.Idempotency, cfg.IdempotencySweepInterval).Start(sweeperCtx)

			srv := &http.Server{
				Addr:    ":" + cfg.Port,
				Handler: router,
			}

			go func() {
				zlog.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("Server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zlog.Fatal().Err(err).Msg("listen")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			zlog.Info().Msg("Shutting down server...")
			sweeperCancel()

			// Give outstanding requests 5 seconds to complete
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			zlog.Info().Msg("Server exiting")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}

			sweeper := idempotency.NewSweeper(idempotency.NewDatabase(db), cfg.IdempotencySweepInterval)
			removed, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired idempotency records\n", removed)
			return nil
		},
	}
}

func recomputeSuppliersCmd() *cobra.Command {
	var buyerID string

	cmd := &cobra.Command{
		Use:   "recompute-suppliers",
		Short: "Recompute supplier reliability snapshots for a buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}

			services := server.NewServices(cfg, db)
			count, err := services.Suppliers.RecomputeAll(cmd.Context(), buyerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d supplier snapshots for %s\n", count, buyerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&buyerID, "buyer", "", "Buyer whose suppliers are recomputed")
	_ = cmd.MarkFlagRequired("buyer")

	return cmd
}
