package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemos/internal/app"
	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/consolidation"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "mnemosd",
		Short:         "Two-tier conversational memory service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile == "" {
				// Missing .env is fine; the environment may already be set.
				_ = godotenv.Load()
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading configuration")

	root.AddCommand(newServeCmd(), newPurgeCmd(), newConsolidateCmd(), newSearchCmd(), newUserCmd(), newReindexCmd())
	return root
}

// bootstrap loads config and builds the component graph for one command.
func bootstrap(ctx context.Context) (*app.BuildResult, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background consolidation, expiry sweeping and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					res.Logger.WithError(err).Warn("cleanup failed")
				}
			}()

			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			res.Start(runCtx)

			httpServer := &http.Server{
				Addr:    res.Config.BindAddr,
				Handler: res.API.Router(),
			}
			errCh := make(chan error, 1)
			go func() {
				res.Logger.WithFields(logrus.Fields{
					"addr":    res.Config.BindAddr,
					"backend": res.Backend.Name(),
					"mode":    res.Config.ConsolidationMode,
				}).Info("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case <-sigCh:
				res.Logger.Info("shutdown signal received")
			case err := <-errCh:
				return fmt.Errorf("listen error: %w", err)
			}

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				res.Logger.WithError(err).Warn("graceful shutdown failed")
				_ = httpServer.Close()
			}
			res.Logger.Info("shutdown complete")
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired chat turns once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			n, err := memory.PurgeOnce(cmd.Context(), res.Backend, res.History)
			if err != nil {
				return err
			}
			res.Metrics.AddPurged(n)
			return writeJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
		},
	}
}

func newConsolidateCmd() *cobra.Command {
	var (
		userID    string
		sessionID string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass for a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			out, err := res.Dispatcher.Run(cmd.Context(), consolidation.Job{
				Key:   consolidation.Key{UserID: userID, SessionID: sessionID},
				Force: force,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().BoolVar(&force, "force", false, "consolidate regardless of thresholds")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		userID        string
		query         string
		limit         int
		minImportance float64
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Semantic search over a user's long-term memories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			floor := minImportance
			if floor < 0 {
				floor = res.Config.ImportanceFloor
			}
			var hits []memory.ScoredMemory
			err = memory.WithTx(cmd.Context(), res.Backend, func(tx memory.Tx) error {
				var err error
				hits, err = res.Vectors.SearchText(cmd.Context(), tx, userID, query, floor, limit)
				return err
			})
			if err != nil {
				return err
			}
			if hits == nil {
				hits = []memory.ScoredMemory{}
			}
			return writeJSON(cmd.OutOrStdout(), hits)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&query, "query", "", "search text")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum results")
	cmd.Flags().Float64Var(&minImportance, "min-importance", -1, "importance floor (default from config)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newUserCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Show a user with its short-term and long-term memory counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			var info memory.UserInfo
			err = memory.WithTx(cmd.Context(), res.Backend, func(tx memory.Tx) error {
				var err error
				info, err = memory.DescribeUser(cmd.Context(), tx, res.Backend.Users(), res.History, res.Vectors, userID)
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type reindexer interface {
	Reindex(ctx context.Context) error
}

// newReindexCmd rebuilds the vector index so its lists are trained on the
// rows loaded since the index was created.
func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the long-term memory vector index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			r, ok := res.Backend.(reindexer)
			if !ok {
				return fmt.Errorf("backend %q has no vector index to rebuild", res.Backend.Name())
			}
			if err := r.Reindex(cmd.Context()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"reindexed": res.Backend.Name()})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
