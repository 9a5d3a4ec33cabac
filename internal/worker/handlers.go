package worker

import (
	"context"

	"github.com/openhj/judger/internal/broker"
	"github.com/openhj/judger/internal/pipeline"
	"github.com/openhj/judger/internal/tasks"
)

// Task names under the legacy Celery routing scheme.
const (
	TaskLocalRun = "judgers.local.run"
	TaskIDERun   = "judgers.ide_run.run"
)

// RegisterJudgeHandlers binds the judging pipeline to the legacy task
// names. Argument layout follows the original senders: positional args
// with kwargs as fallback.
func RegisterJudgeHandlers(w *Worker, p *pipeline.Pipeline) {
	w.Register(TaskLocalRun, func(ctx context.Context, msg *broker.Message) error {
		var sub tasks.SubmissionInfo
		if err := msg.Arg(0, "submission_data", &sub); err != nil {
			return err
		}
		var extra tasks.ExtraJudgeConfig
		if err := msg.Arg(1, "extra_config", &extra); err != nil {
			return err
		}
		return p.JudgeSubmission(ctx, &sub, &extra)
	})

	w.Register(TaskIDERun, func(ctx context.Context, msg *broker.Message) error {
		var langID, runID, code, input string
		if err := msg.Arg(0, "lang_id", &langID); err != nil {
			return err
		}
		if err := msg.Arg(1, "run_id", &runID); err != nil {
			return err
		}
		if err := msg.Arg(2, "code", &code); err != nil {
			return err
		}
		if err := msg.Arg(3, "input", &input); err != nil {
			return err
		}
		var extra tasks.ExtraIDERunConfig
		if err := msg.Arg(4, "extra_config", &extra); err != nil {
			return err
		}
		return p.RunIDE(ctx, langID, runID, code, input, &extra)
	})
}
