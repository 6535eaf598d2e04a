package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/twolaps-core/internal/adapters/driven/postgres"
	"github.com/custodia-labs/twolaps-core/internal/adapters/driven/sqlite"
	httpadapter "github.com/custodia-labs/twolaps-core/internal/adapters/driving/http"
	"github.com/custodia-labs/twolaps-core/internal/config"
	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/worker"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveWithWorker {
			w := a.newWorker()
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			defer w.Stop()
		}

		server := httpadapter.NewServer(
			httpadapter.Config{
				Host:           a.cfg.HTTP.Host,
				Port:           a.cfg.HTTP.Port,
				Version:        version,
				AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
				Logger:         a.logger,
			},
			a.runner,
			a.reader,
			a.retrieval,
			a.settings,
			a.taskQueue,
			a.readinessChecks(),
		)

		a.logger.Info("api server starting", "host", a.cfg.HTTP.Host, "port", a.cfg.HTTP.Port, "with_worker", serveWithWorker)
		return server.Start(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued analysis runs and collection passes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		w := a.newWorker()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		a.logger.Info("worker started", "handles", []domain.TaskType{domain.TaskTypeRunAnalysis, domain.TaskTypeCollect})

		<-ctx.Done()
		a.logger.Info("stopping worker")
		w.Stop()
		return nil
	},
}

// newWorker builds the task worker, with the poller when enabled.
func (a *app) newWorker() *worker.Worker {
	cfg := worker.WorkerConfig{
		TaskQueue:      a.taskQueue,
		Runner:         a.runner,
		Collection:     a.collection,
		Logger:         a.logger,
		Concurrency:    a.cfg.Worker.Concurrency,
		DequeueTimeout: a.cfg.Worker.DequeueTimeout,
	}
	if poller := a.newPoller(); poller != nil {
		cfg.Poller = poller
	}
	return worker.NewWorker(cfg)
}

var (
	runSubjects []string
	runPeriod   string
)

var runCmd = &cobra.Command{
	Use:   "run [Market/Category PERIOD]",
	Short: "Run the analysis pipeline for one or more subjects and print the run report",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 2:
			runSubjects = append([]string{args[0]}, runSubjects...)
			runPeriod = args[1]
		case 1:
			return errors.New("positional form takes both subject and period")
		}
		if len(runSubjects) == 0 || runPeriod == "" {
			return errors.New("--subject and --period are required")
		}
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return runAnalysis(ctx, a.runner, runSubjects, runPeriod, cmd.OutOrStdout())
	},
}

// runAnalysis runs every subject and writes the reports as JSON.
// It fails when any run fails.
func runAnalysis(ctx context.Context, runner driving.AnalysisRunner, subjects []string, period string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if len(subjects) == 1 {
		report, err := runner.Run(ctx, subjects[0], period)
		if report != nil {
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		}
		return err
	}

	requests := make([]driving.RunRequest, len(subjects))
	for i, s := range subjects {
		requests[i] = driving.RunRequest{SubjectPath: s, Period: period}
	}

	var failed []error
	for _, outcome := range runner.RunBatch(ctx, requests) {
		if outcome.Report != nil {
			if err := enc.Encode(outcome.Report); err != nil {
				return err
			}
		}
		if outcome.Err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", outcome.Request.SubjectPath, outcome.Err))
		}
	}
	return errors.Join(failed...)
}

var (
	collectSubject   string
	collectProviders []string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Ask the due questions of a subject to the answer providers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if collectSubject == "" {
			return errors.New("--subject is required")
		}
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.collection.Collect(ctx, collectSubject, collectProviders)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return migrate(cmd.Context(), cfg, logger)
	},
}

// migrate applies the postgres schema and, for sqlite artifacts, the sqlite schema.
func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := postgres.Connect(ctx, postgres.DefaultConfig(cfg.Database.URL))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	logger.Info("postgres schema applied")

	if cfg.Storage.Artifacts == config.ArtifactsSQLite {
		adb, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer adb.Close()
		logger.Info("sqlite schema applied", "path", cfg.Storage.SQLitePath)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "twolaps-core %s\n", version)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also process queued tasks in this process")

	runCmd.Flags().StringSliceVar(&runSubjects, "subject", nil, "subject path Market/Category (repeatable)")
	runCmd.Flags().StringVar(&runPeriod, "period", "", "period: YYYY-MM, YYYY-Www or YYYY-MM-DD")

	collectCmd.Flags().StringVar(&collectSubject, "subject", "", "subject path Market/Category")
	collectCmd.Flags().StringSliceVar(&collectProviders, "providers", nil, "answer providers to ask (default: those configured per question)")
}
