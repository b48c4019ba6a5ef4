package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/thebtf/distiller/internal/config"
	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/jobs"
	"github.com/thebtf/distiller/internal/metrics"
	"github.com/thebtf/distiller/internal/ops"
	"github.com/thebtf/distiller/internal/seed"
	"github.com/thebtf/distiller/internal/watcher"
)

func cmdWorker() *cli.Command {
	var jobTypes []string
	var opsPort int

	return &cli.Command{
		Name:  "worker",
		Usage: "Run job workers, the recurring scheduler and the ops HTTP server",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "job-types",
				Usage:       "Only claim these job types",
				Destination: &jobTypes,
			},
			&cli.IntFlag{
				Name:        "ops-port",
				Usage:       "Ops HTTP port (0 disables the server)",
				Value:       -1,
				Destination: &opsPort,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := loadConfig()
			if len(jobTypes) == 0 {
				jobTypes = config.EnabledJobTypes()
			}
			if opsPort < 0 {
				opsPort = cfg.OpsPort
			}
			return runWorker(ctx, cfg, jobTypes, opsPort)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, jobTypes []string, opsPort int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := metrics.InitMetrics()
	if err != nil {
		return goerr.Wrap(err, "failed to init metrics")
	}
	registry, err := newRegistry(ctx, cfg, store, m)
	if err != nil {
		return err
	}

	broadcaster := ops.NewBroadcaster()
	go broadcaster.Run(ctx)
	queue := jobs.NewQueue(store, cfg.JobMaxAttempts, broadcaster)

	var server *ops.Server
	if opsPort > 0 {
		server = ops.NewServer(store, queue, registry, broadcaster)
		server.Start(opsPort)
	}

	scheduler := jobs.NewScheduler(queue)
	for jobType, every := range map[string]int{
		jobs.TypeClusterFragments:    cfg.ClusteringEveryMins,
		jobs.TypeEmbedFragments:      cfg.BackfillEveryMins,
		jobs.TypeEmbedKnowledgeUnits: cfg.BackfillEveryMins,
	} {
		if err := scheduler.Every(jobType, time.Duration(every)*time.Minute); err != nil {
			return goerr.Wrap(err, "failed to schedule job", goerr.V("jobType", jobType))
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	settings := config.SettingsPath()
	w, err := watcher.New(settings, func() {
		log.Warn().Str("path", settings).Msg("Settings changed, stopping worker for restart")
		cancel()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else if err := w.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		defer w.Stop()
	}

	worker := jobs.NewWorker(store, queue, registry, m, jobs.WorkerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval(),
		RetryDelay:   cfg.RetryDelay(),
		StaleRunning: cfg.StaleRunning(),
		JobTypes:     jobTypes,
	})
	log.Info().
		Str("version", Version).
		Str("driver", store.Driver()).
		Strs("jobTypes", registry.Types()).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("Starting worker")

	err = worker.Start(ctx)

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Ops server shutdown failed")
		}
	}
	return err
}

func cmdMigrate() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := loadConfig()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info().Str("driver", store.Driver()).Msg("Database is up to date")
			return nil
		},
	}
}

func cmdSeed() *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Import categories, prompt templates, fragments and clustering sessions from YAML",
		ArgsUsage: "<file.yaml>",
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return goerr.New("seed file is required")
			}
			f, err := seed.Load(path)
			if err != nil {
				return goerr.Wrap(err, "failed to load seed file", goerr.V("path", path))
			}

			store, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := seed.NewImporter(store).Import(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d fragments (%d failed), %d clustering sessions\n",
				rep.Fragments, rep.FragmentFailures, rep.Sessions)
			return nil
		},
	}
}

func cmdEnqueue() *cli.Command {
	var payload string
	var delay time.Duration

	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Enqueue a job",
		ArgsUsage: "<job-type>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "payload",
				Usage:       "JSON payload",
				Destination: &payload,
			},
			&cli.DurationFlag{
				Name:        "delay",
				Usage:       "Run no earlier than this far in the future",
				Destination: &delay,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			jobType := c.Args().First()
			if !slices.Contains(jobs.AllTypes, jobType) {
				return goerr.New("unknown job type", goerr.V("jobType", jobType), goerr.V("known", jobs.AllTypes))
			}
			var body any
			if payload != "" {
				raw := json.RawMessage(payload)
				if !json.Valid(raw) {
					return goerr.New("payload is not valid JSON")
				}
				body = raw
			}

			cfg := loadConfig()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := jobs.NewQueue(store, cfg.JobMaxAttempts, nil).
				Schedule(ctx, nil, jobs.Invocation{Type: jobType, Payload: body}, delay)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", job.ID, job.JobType, job.Status)
			return nil
		},
	}
}

func cmdJobs() *cli.Command {
	var status string
	var limit int

	return &cli.Command{
		Name:  "jobs",
		Usage: "List recent job runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "status",
				Usage:       "Filter by status",
				Destination: &status,
			},
			&cli.IntFlag{
				Name:        "limit",
				Value:       20,
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			store, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := gormdb.NewJobStore(store).List(ctx, nil, status, limit)
			if err != nil {
				return err
			}
			printRuns(runs)
			return nil
		},
	}
}

func printRuns(runs []gormdb.JobRun) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tSTAGE\tCREATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.JobType, r.Status, r.Attempts, r.Stage,
			r.CreatedAt.Format(time.RFC3339), firstLine(r.Error))
	}
	_ = tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
