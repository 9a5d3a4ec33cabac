package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/tasks"
)

// console output of the judged program is diagnostics only; the real answer
// goes through the output file
const runConsoleCap = 4096

// runTestcase executes one testcase of a compiled submission and settles
// its result. Stdio problems run with shell redirection, file-IO problems
// read and write the problem's named files.
func (p *Pipeline) runTestcase(ctx context.Context, run *submissionRun, subtask *tasks.ProblemSubtask, tc *tasks.ProblemTestcase, tcResult *tasks.TestcaseResult, log *slog.Logger) error {
	problem := run.problem
	inputFile, outputFile := "in", "out"
	if problem.UsingFileIO == 1 {
		inputFile, outputFile = problem.InputFileName, problem.OutputFileName
	}

	keep := []string{run.lang.Source(programName), run.lang.Output(programName)}
	keep = append(keep, problem.Provides...)
	if err := run.box.Reset(keep...); err != nil {
		return &judge.SandboxError{Op: "reset sandbox", Err: err}
	}

	input, err := p.data.ReadFile(problem.ID, tc.Input)
	if err != nil {
		return fmt.Errorf("read input %s: %w", tc.Input, err)
	}
	if err := run.box.AddFile(inputFile, input); err != nil {
		return &judge.SandboxError{Op: "write input", Err: err}
	}

	timeLimit := subtask.TimeLimit
	if run.extra.TimeScale != nil {
		timeLimit = int64(float64(timeLimit) * *run.extra.TimeScale)
	}
	redirect := ""
	if problem.UsingFileIO != 1 {
		redirect = fmt.Sprintf("< %s > %s", inputFile, outputFile)
	}
	cmd := run.lang.RunCmd(run.lang.Output(programName), redirect)
	log.Debug("running testcase", "input", tc.Input, "command", cmd, "time_limit_ms", timeLimit)

	res, err := run.box.Run(ctx, cmd, sandbox.Limits{
		CpuMillis:      timeLimit,
		MemoryBytes:    subtask.MemoryLimit << 20,
		MaxOutputBytes: runConsoleCap,
	})
	if err != nil {
		return err
	}

	tcResult.MemoryCost = res.MemoryBytes
	tcResult.TimeCost = res.CpuMillis
	if res.Cause == judge.CauseSandboxError {
		return &judge.SandboxError{Op: "run testcase", Err: fmt.Errorf("monitoring failed")}
	}
	if res.Cause != judge.CauseExited {
		tcResult.Status = string(res.Verdict())
		switch res.Cause {
		case judge.CauseTimeLimit:
			// report at least the limit that was exceeded
			tcResult.TimeCost = max(res.CpuMillis, res.WallMillis)
		case judge.CauseRuntimeError:
			tcResult.Message = fmt.Sprintf("Exit code: %d", res.ExitCode)
		case judge.CauseOutputLimit:
			tcResult.Message = "Console output too large"
		}
		return nil
	}

	if run.box.HasFile(outputFile) {
		size, err := run.box.FileSize(outputFile)
		if err != nil {
			return &judge.SandboxError{Op: "stat output", Err: err}
		}
		if run.extra.OutputFileSizeLimit > 0 && size > run.extra.OutputFileSizeLimit {
			tcResult.Status = string(judge.StatusOutputSizeExceed)
			tcResult.Message = "Output file too large"
			return nil
		}
	}
	var userOut []byte
	if run.box.HasFile(outputFile) {
		if userOut, err = run.box.ReadFile(outputFile); err != nil {
			return &judge.SandboxError{Op: "read output", Err: err}
		}
	}

	answer, err := p.data.ReadFile(problem.ID, tc.Output)
	if err != nil {
		return fmt.Errorf("read answer %s: %w", tc.Output, err)
	}
	return p.check(ctx, run, tc, tcResult, userOut, answer, input)
}

// check hands the produced output to the comparator and grades the
// testcase from its ruling.
func (p *Pipeline) check(ctx context.Context, run *submissionRun, tc *tasks.ProblemTestcase, tcResult *tasks.TestcaseResult, userOut, answer, input []byte) error {
	cmp, err := run.comparator.Compare(ctx, userOut, answer, input, tc.FullScore)
	if err != nil {
		return err
	}
	tcResult.Score = cmp.Score
	tcResult.Message = cmp.Message
	switch {
	case cmp.Score == tc.FullScore:
		tcResult.Status = string(judge.StatusAccepted)
	case cmp.Score < tc.FullScore:
		tcResult.Status = string(judge.StatusWrongAnswer)
	default:
		tcResult.Score = 0
		tcResult.Status = string(judge.StatusUnaccepted)
		tcResult.Message = fmt.Sprintf("Illegal score: %d", cmp.Score)
	}
	return nil
}
