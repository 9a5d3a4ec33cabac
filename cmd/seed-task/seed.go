// seed-task pushes a hand-built judging task onto the queue, for smoke
// testing a judger against a live broker without a platform.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/urfave/cli/v3"

	"github.com/openhj/judger/internal/broker"
	"github.com/openhj/judger/internal/config"
	"github.com/openhj/judger/internal/tasks"
	"github.com/openhj/judger/internal/worker"
)

func main() {
	cmd := &cli.Command{
		Name:  "seed-task",
		Usage: "enqueue a judging task by hand",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.toml"},
			&cli.StringFlag{Name: "file", Required: true, Usage: "source file to submit"},
			&cli.StringFlag{Name: "language", Value: "cpp11"},
			&cli.IntFlag{Name: "problem", Usage: "problem id (local judge task)"},
			&cli.IntFlag{Name: "submission", Value: 1, Usage: "submission id to report under"},
			&cli.BoolFlag{Name: "ide", Usage: "enqueue an ide run instead of a judge task"},
			&cli.StringFlag{Name: "input", Usage: "stdin for the ide run"},
		},
		Action: seed,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func seed(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	code, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	var tag string
	if cmd.Bool("ide") {
		tag, err = broker.Publish(ctx, rdb, cfg.Queue, worker.TaskIDERun, []any{
			cmd.String("language"),
			fmt.Sprintf("seed-%d", cmd.Int("submission")),
			string(code),
			cmd.String("input"),
			tasks.ExtraIDERunConfig{
				CompileTimeLimit:         10_000,
				CompileResultLengthLimit: 4096,
				TimeLimit:                5_000,
				MemoryLimit:              512,
				ResultLengthLimit:        4096,
			},
		})
	} else {
		tag, err = broker.Publish(ctx, rdb, cfg.Queue, worker.TaskLocalRun, []any{
			tasks.SubmissionInfo{
				ID:        int64(cmd.Int("submission")),
				ProblemID: int64(cmd.Int("problem")),
				Language:  cmd.String("language"),
				Code:      string(code),
			},
			tasks.ExtraJudgeConfig{
				CompileTimeLimit:         10_000,
				CompileResultLengthLimit: 4096,
				SpjExecuteTimeLimit:      10_000,
				AutoSyncFiles:            true,
				OutputFileSizeLimit:      64 << 20,
			},
		})
	}
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s\n", tag)
	return nil
}
