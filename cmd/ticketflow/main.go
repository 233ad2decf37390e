package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appconfig "github.com/manthysbr/ticketflow/internal/config"
	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/services"
)

const (
	Version = "0.1.0"
	appName = "ticketflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Support ticket triage pipeline",
		Long: `ticketflow classifies incoming support tickets, drafts a reply with a
specialised handler, scores it against a quality gate and retries until the
reply is good enough or the retry budget runs out.

Conversation history is kept per project, compressed as it grows and
injected into every new run.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		processCmd(flags),
		maintainCmd(flags),
		contextCmd(flags),
		resumeCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// setup loads configuration and builds the logger. The --log-level flag wins
// over the configured level.
func setup(flags *globalFlags) (*slog.Logger, *domain.AppConfig, error) {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, err := appconfig.NewLoader(bootstrap).Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: appconfig.ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger, cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(flags)
			if err != nil {
				return err
			}
			return serve(logger, cfg)
		},
	}
}

func serve(logger *slog.Logger, cfg *domain.AppConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	apiServer, err := a.server(logger)
	if err != nil {
		return err
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.maintenance.RunEvery(gCtx, cfg.Retention.Interval, services.MaintenanceOptions{
			DeleteOldTurns:   true,
			CompressContexts: true,
			DaysToKeep:       cfg.Retention.DaysToKeep,
		})
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func processCmd(flags *globalFlags) *cobra.Command {
	var (
		file     string
		send     bool
		parallel bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one ticket, or a JSON array of tickets, from a file",
		Example: `  ticketflow process --file ticket.json
  ticketflow process --file tickets.json --parallel
  cat ticket.json | ticketflow process --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(flags)
			if err != nil {
				return err
			}
			data, err := readInput(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
				var reqs []domain.IssueRequest
				if err := json.Unmarshal(data, &reqs); err != nil {
					return fmt.Errorf("failed to parse tickets: %w", err)
				}
				res, err := a.orchestrator.ProcessBatch(ctx, reqs, services.BatchOptions{Parallel: parallel, SendComment: send})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}

			var req domain.IssueRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("failed to parse ticket: %w", err)
			}
			res, err := a.orchestrator.Process(ctx, req, services.ProcessOptions{SendComment: send})
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("workflow %s failed: %s", res.WorkflowID, res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Ticket JSON file, - for stdin")
	cmd.Flags().BoolVar(&send, "send", false, "Post the final response to the issue tracker")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Run array input in parallel")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func maintainCmd(flags *globalFlags) *cobra.Command {
	var (
		days         int
		skipCleanup  bool
		skipCompress bool
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Purge old conversation turns and compress large contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if days <= 0 {
				days = cfg.Retention.DaysToKeep
			}
			stats := a.maintenance.Run(cmd.Context(), services.MaintenanceOptions{
				DeleteOldTurns:   !skipCleanup,
				CompressContexts: !skipCompress,
				DaysToKeep:       days,
			})
			return printJSON(cmd, stats)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Days of turn history to keep (default from config)")
	cmd.Flags().BoolVar(&skipCleanup, "skip-cleanup", false, "Do not delete old turns")
	cmd.Flags().BoolVar(&skipCompress, "skip-compress", false, "Do not compress contexts")
	return cmd
}

func resumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <projectId>",
		Short: "Continue the latest checkpointed run of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.orchestrator.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func contextCmd(flags *globalFlags) *cobra.Command {
	var compress bool

	cmd := &cobra.Command{
		Use:   "context <projectId>",
		Short: "Show the stored conversation context of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			projectID := args[0]
			if compress {
				if _, err := a.maintenance.CompressProject(cmd.Context(), projectID); err != nil {
					return err
				}
			}
			rc, err := a.retriever.RetrieveContext(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			stats, err := a.contexts.ProjectStats(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"context": rc, "stats": stats})
		},
	}

	cmd.Flags().BoolVar(&compress, "compress", false, "Force compression before printing")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
