package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/tasks"
)

const (
	ideProgramName = "iderun"
	ideInputFile   = "in"
	ideOutputFile  = "out"
)

// RunIDE handles one judgers.ide_run.run task: compile the snippet, run it
// once with the provided stdin, send back whatever happened. There is no
// pass/fail verdict, the captured output is the whole report.
func (p *Pipeline) RunIDE(ctx context.Context, langID, runID, code, input string, extra *tasks.ExtraIDERunConfig) error {
	log := p.log.With("run_id", runID)
	log.Info("ide run", "language", langID)

	if err := p.runIDE(ctx, langID, runID, code, input, extra, log); err != nil {
		log.Error("ide run failed", "err", err)
		if reportErr := p.api.ReportIDEFinal(ctx, runID, err.Error(), "done"); reportErr != nil {
			return reportErr
		}
		return err
	}
	return nil
}

func (p *Pipeline) runIDE(ctx context.Context, langID, runID, code, input string, extra *tasks.ExtraIDERunConfig, log *slog.Logger) error {
	p.api.UpdateIDEStatus(ctx, runID, "Downloading language definitions..", "running")
	lang, err := p.api.GetLanguageConfig(ctx, langID)
	if err != nil {
		return fmt.Errorf("fetch language config: %w", err)
	}

	box, err := p.runner.Acquire(ctx, sandbox.Spec{Image: p.image})
	if err != nil {
		return err
	}
	defer box.Release()

	p.api.UpdateIDEStatus(ctx, runID, "Compiling..", "running")
	sourceName := lang.Source(ideProgramName)
	outputName := lang.Output(ideProgramName)
	if err := box.AddFile(sourceName, []byte(code)); err != nil {
		return &judge.SandboxError{Op: "write source", Err: err}
	}
	compileRes, err := box.Run(ctx, lang.CompileCmd(sourceName, outputName, extra.Parameter), sandbox.Limits{
		CpuMillis:      extra.CompileTimeLimit,
		MemoryBytes:    extra.MemoryLimit << 20,
		MaxOutputBytes: extra.CompileResultLengthLimit,
	})
	if err != nil {
		return err
	}
	if compileRes.ExitCode != 0 || compileRes.Cause != judge.CauseExited {
		truncated := ""
		if compileRes.OutputTruncated {
			truncated = "[Truncated]"
		}
		message := fmt.Sprintf("Compilation failed!\n%s%s\nTime usage: %d ms\nMemory usage: %d KB\nExit code: %d",
			compileRes.Output, truncated, compileRes.CpuMillis, compileRes.MemoryBytes/1024, compileRes.ExitCode)
		return p.api.ReportIDEFinal(ctx, runID, message, "done")
	}

	if err := box.AddFile(ideInputFile, []byte(input)); err != nil {
		return &judge.SandboxError{Op: "write input", Err: err}
	}
	p.api.UpdateIDEStatus(ctx, runID, "Running..", "running")
	runRes, err := box.Run(ctx, lang.RunCmd(outputName, fmt.Sprintf("< %s > %s", ideInputFile, ideOutputFile)), sandbox.Limits{
		CpuMillis:      extra.TimeLimit,
		MemoryBytes:    extra.MemoryLimit << 20,
		MaxOutputBytes: extra.ResultLengthLimit,
	})
	if err != nil {
		return err
	}

	stdout := ""
	if box.HasFile(ideOutputFile) {
		data, err := box.ReadFile(ideOutputFile)
		if err != nil {
			return &judge.SandboxError{Op: "read output", Err: err}
		}
		if int64(len(data)) > extra.ResultLengthLimit {
			data = data[:extra.ResultLengthLimit]
		}
		stdout = string(data)
	}
	message := fmt.Sprintf("Finished!\nExit code: %d\nMemory usage: %d KB\nTime usage: %d ms\nStdout: %s\nStderr: %s\n",
		runRes.ExitCode, runRes.MemoryBytes/1024, runRes.CpuMillis, stdout, runRes.Output)
	log.Info("ide run done", "exit_code", runRes.ExitCode)
	return p.api.ReportIDEFinal(ctx, runID, message, "done")
}
