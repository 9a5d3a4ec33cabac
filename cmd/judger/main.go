package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-redis/redis/v8"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/openhj/judger/internal/broker"
	"github.com/openhj/judger/internal/config"
	"github.com/openhj/judger/internal/pipeline"
	"github.com/openhj/judger/internal/platform"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/testdata"
	"github.com/openhj/judger/internal/worker"
)

func main() {
	cmd := &cli.Command{
		Name:  "judger",
		Usage: "remote judging worker for the online judge platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "path to the configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "consume and judge tasks until interrupted",
				Action: runAction,
			},
			{
				Name:   "doctor",
				Usage:  "check that the judger can reach everything it needs",
				Action: doctorAction,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err == config.ErrTemplateWritten {
		fmt.Printf("wrote %s, edit it and start again\n", cmd.String("config"))
		return nil
	}
	if err != nil {
		return err
	}

	log := newLogger(cfg.LoggingLevel)
	log.Info("starting judger", "uuid", cfg.JudgerUUID, "queue", cfg.Queue,
		"max_tasks", cfg.MaxTasksSametime, "prefetch", cfg.PrefetchCount)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	runner, err := sandbox.NewDockerRunner(log)
	if err != nil {
		return err
	}

	api := platform.New(cfg.WebAPIURL, cfg.JudgerUUID, log)
	store := testdata.NewStore(api, cfg.DataDir, log)
	pipe := pipeline.New(api, runner, store, cfg.DockerImage, log)

	w := worker.New(int64(cfg.MaxTasksSametime), log)
	worker.RegisterJudgeHandlers(w, pipe)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := broker.NewConsumer(rdb, cfg.Queue, cfg.PrefetchCount, log)
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Start(ctx) }()

	w.Run(ctx, consumer.Deliveries())

	if err := <-errCh; err != nil && err != context.Canceled {
		return err
	}
	log.Info("drained, bye")
	return nil
}

func doctorAction(ctx context.Context, cmd *cli.Command) error {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	failed := false
	report := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("%s %s: %v\n", bad("✗"), name, err)
			return
		}
		fmt.Printf("%s %s\n", ok("✓"), name)
	}

	cfg, err := config.Load(cmd.String("config"))
	if err == config.ErrTemplateWritten {
		report("config", fmt.Errorf("no config found, template written to %s", cmd.String("config")))
		return fmt.Errorf("doctor found problems")
	}
	report("config", err)
	if err != nil {
		return fmt.Errorf("doctor found problems")
	}

	log := newLogger("error")

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	report("broker", func() error {
		opts, err := redis.ParseURL(cfg.BrokerURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		return rdb.Ping(checkCtx).Err()
	}())

	report("docker", func() error {
		runner, err := sandbox.NewDockerRunner(log)
		if err != nil {
			return err
		}
		return runner.Ping(checkCtx)
	}())

	report("data dir", func() error {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		probe, err := os.CreateTemp(cfg.DataDir, "doctor-*")
		if err != nil {
			return err
		}
		probe.Close()
		return os.Remove(probe.Name())
	}())

	if failed {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}
