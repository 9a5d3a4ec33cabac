// Package pipeline runs one judging task end to end: prepare, compile,
// execute testcases, check, aggregate, report. Every accepted task produces
// exactly one final report, even when the pipeline fails internally.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openhj/judger/internal/compare"
	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/tasks"
)

const programName = "user-app"

// API is the slice of the platform client the pipeline reports through.
type API interface {
	GetProblemInfo(ctx context.Context, problemID int64) (*tasks.ProblemInfo, error)
	GetLanguageConfig(ctx context.Context, langID string) (*tasks.LanguageConfig, error)
	UpdateStatus(ctx context.Context, result tasks.JudgeResult, message, extraStatus string, submissionID int64)
	ReportFinal(ctx context.Context, result tasks.JudgeResult, message, extraStatus string, submissionID int64) error
	UpdateIDEStatus(ctx context.Context, runID, message, status string)
	ReportIDEFinal(ctx context.Context, runID, message, status string) error
}

// DataStore is the local testdata mirror the pipeline reads from.
type DataStore interface {
	Sync(ctx context.Context, problemID int64, progress func(string)) error
	ReadFile(problemID int64, name string) ([]byte, error)
	Dir(problemID int64) string
}

type Pipeline struct {
	api    API
	runner sandbox.Runner
	data   DataStore
	image  string
	log    *slog.Logger
}

func New(api API, runner sandbox.Runner, data DataStore, image string, log *slog.Logger) *Pipeline {
	return &Pipeline{api: api, runner: runner, data: data, image: image, log: log}
}

// run-wide state of one submission, shared so the failure path can report
// whatever partial result exists.
type submissionRun struct {
	sub     *tasks.SubmissionInfo
	extra   *tasks.ExtraJudgeConfig
	problem *tasks.ProblemInfo
	lang    *tasks.LanguageConfig
	result  tasks.JudgeResult
	// decoded submit-answer archive, nil in other modes
	answerFiles map[string][]byte
	comparator  compare.Comparator
	box         sandbox.Box
}

// JudgeSubmission handles one judgers.local.run task. The error return is
// for the caller's log only; the submitter has already been told.
func (p *Pipeline) JudgeSubmission(ctx context.Context, sub *tasks.SubmissionInfo, extra *tasks.ExtraJudgeConfig) error {
	log := p.log.With("submission_id", sub.ID)
	log.Info("judging submission", "problem_id", sub.ProblemID, "language", sub.Language)

	run := &submissionRun{sub: sub, extra: extra, result: tasks.JudgeResult{}}
	if err := p.judge(ctx, run, log); err != nil {
		log.Error("judging failed", "err", err)
		reportErr := p.api.ReportFinal(ctx, run.result, err.Error(),
			string(judge.StatusJudgeFailed), sub.ID)
		if reportErr != nil {
			return reportErr
		}
		return err
	}
	log.Info("submission judged")
	return nil
}

func (p *Pipeline) judge(ctx context.Context, run *submissionRun, log *slog.Logger) error {
	sub, extra := run.sub, run.extra

	problem, err := p.api.GetProblemInfo(ctx, sub.ProblemID)
	if err != nil {
		return fmt.Errorf("fetch problem info: %w", err)
	}
	run.problem = problem

	if extra.AutoSyncFiles {
		err := p.data.Sync(ctx, problem.ID, func(msg string) {
			p.api.UpdateStatus(ctx, sub.JudgeResult, msg, "", sub.ID)
		})
		if err != nil {
			return fmt.Errorf("sync problem files: %w", err)
		}
	}

	if extra.SubmitAnswer {
		if problem.SpjFilename == "" {
			return &judge.ProtocolError{Reason: "submit-answer problems require a special judge"}
		}
		if run.answerFiles, err = decodeAnswerArchive(extra.AnswerData); err != nil {
			return err
		}
	}

	run.result = tasks.NewJudgeResult(problem.Subtasks)

	if err := p.setupComparator(ctx, run); err != nil {
		return err
	}
	if closer, ok := run.comparator.(*compare.SpecialJudge); ok {
		defer closer.Close()
	}

	if !extra.SubmitAnswer {
		lang, err := p.api.GetLanguageConfig(ctx, sub.Language)
		if err != nil {
			return fmt.Errorf("fetch language config: %w", err)
		}
		run.lang = lang

		box, err := p.runner.Acquire(ctx, sandbox.Spec{Image: p.image})
		if err != nil {
			return err
		}
		defer box.Release()
		run.box = box

		done, err := p.compile(ctx, run, log)
		if err != nil || done {
			return err
		}
	}

	if err := p.runSubtasks(ctx, run, log); err != nil {
		return err
	}

	message, overall := aggregate(run.result)
	return p.api.ReportFinal(ctx, run.result, message, string(overall), sub.ID)
}

// setupComparator picks line comparison or the problem's special judge.
func (p *Pipeline) setupComparator(ctx context.Context, run *submissionRun) error {
	if run.problem.SpjFilename == "" {
		run.comparator = compare.LineComparator{}
		return nil
	}
	source, err := p.data.ReadFile(run.problem.ID, run.problem.SpjFilename)
	if err != nil {
		return fmt.Errorf("read special judge source %s: %w", run.problem.SpjFilename, err)
	}
	spjLang, err := p.api.GetLanguageConfig(ctx, run.problem.SpjLanguageID())
	if err != nil {
		return fmt.Errorf("fetch special judge language config: %w", err)
	}
	timeLimit := run.extra.SpjExecuteTimeLimit
	if timeLimit <= 0 {
		timeLimit = 10_000
	}
	run.comparator = compare.NewSpecialJudge(p.runner, sandbox.Spec{Image: p.image},
		source, spjLang, timeLimit, p.log)
	return nil
}

// compile builds the submission inside its sandbox. done=true means the
// pipeline already reported (compile error) and judging stops here.
func (p *Pipeline) compile(ctx context.Context, run *submissionRun, log *slog.Logger) (done bool, err error) {
	sub, extra := run.sub, run.extra
	p.api.UpdateStatus(ctx, run.result, "Compiling your program..", "", sub.ID)

	sourceName := run.lang.Source(programName)
	outputName := run.lang.Output(programName)
	if err := run.box.AddFile(sourceName, []byte(sub.Code)); err != nil {
		return false, &judge.SandboxError{Op: "write source", Err: err}
	}
	for _, name := range run.problem.Provides {
		data, err := p.data.ReadFile(run.problem.ID, name)
		if err != nil {
			return false, fmt.Errorf("read provided file %s: %w", name, err)
		}
		if err := run.box.AddFile(name, data); err != nil {
			return false, &judge.SandboxError{Op: "write provided file", Err: err}
		}
	}

	extraParam := extra.ExtraCompileParameter
	cmd := run.lang.CompileCmd(sourceName, outputName, extraParam)
	log.Info("compiling", "command", cmd)
	res, err := run.box.Run(ctx, cmd, sandbox.Limits{
		CpuMillis:      extra.CompileTimeLimit,
		MemoryBytes:    2048 << 20,
		MaxOutputBytes: extra.CompileResultLengthLimit,
	})
	if err != nil {
		return false, err
	}
	if res.Cause == judge.CauseSandboxError {
		return false, &judge.SandboxError{Op: "compile", Err: fmt.Errorf("monitoring failed")}
	}
	if res.ExitCode != 0 || res.Cause != judge.CauseExited {
		truncated := ""
		if res.OutputTruncated {
			truncated = "[Truncated]"
		}
		message := fmt.Sprintf("%s%s\nTime usage: %d ms\nMemory usage: %d bytes\nExit code: %d",
			res.Output, truncated, res.CpuMillis, res.MemoryBytes, res.ExitCode)
		log.Info("compilation failed", "exit_code", res.ExitCode)
		return true, p.api.ReportFinal(ctx, tasks.JudgeResult{}, message,
			string(judge.StatusCompileError), sub.ID)
	}
	p.api.UpdateStatus(ctx, run.result, "Compile successfully", "", sub.ID)
	return false, nil
}

// runSubtasks walks subtasks in dependency order, judging each testcase and
// filling run.result.
func (p *Pipeline) runSubtasks(ctx context.Context, run *submissionRun, log *slog.Logger) error {
	problem := run.problem
	names := make([]string, 0, len(problem.Subtasks))
	byName := make(map[string]*tasks.ProblemSubtask, len(problem.Subtasks))
	for i := range problem.Subtasks {
		st := &problem.Subtasks[i]
		names = append(names, st.Name)
		byName[st.Name] = st
	}

	var depRaw []byte
	if raw, err := p.data.ReadFile(problem.ID, DependencyFilename); err == nil {
		depRaw = raw
	}
	graph, err := newDepGraph(names, depRaw)
	if err != nil {
		return err
	}

	for {
		name, ok := graph.Next()
		if !ok {
			break
		}
		passed, err := p.runSubtask(ctx, run, byName[name], log)
		if err != nil {
			return err
		}
		graph.Report(passed)
	}

	for _, sk := range graph.Skipped() {
		sr := run.result[sk.Name]
		sr.Status = string(judge.StatusSkipped)
		for _, tc := range sr.Testcases {
			tc.Status = string(judge.StatusSkipped)
			tc.Message = sk.Reason
		}
	}
	return nil
}

func (p *Pipeline) runSubtask(ctx context.Context, run *submissionRun, subtask *tasks.ProblemSubtask, log *slog.Logger) (bool, error) {
	sr := run.result[subtask.Name]
	sr.Status = string(judge.StatusJudging)

	skipRest := false
	for i := range subtask.Testcases {
		tc := &subtask.Testcases[i]
		tcResult := sr.Testcases[i]
		if skipRest {
			tcResult.Status = string(judge.StatusSkipped)
			continue
		}
		tcResult.Status = string(judge.StatusJudging)
		p.api.UpdateStatus(ctx, run.result,
			fmt.Sprintf("Judging %s #%d", subtask.Name, i+1), "", run.sub.ID)

		var err error
		if run.extra.SubmitAnswer {
			err = p.judgeSubmittedAnswer(ctx, run, tc, tcResult)
		} else {
			err = p.runTestcase(ctx, run, subtask, tc, tcResult, log)
		}
		if err != nil {
			return false, err
		}
		if tcResult.Status != string(judge.StatusAccepted) && subtask.Method == "min" {
			skipRest = true
		}
	}

	finishSubtask(sr, subtask)
	return sr.Status == string(judge.StatusAccepted), nil
}

// finishSubtask settles a subtask's score and status from its testcases.
// Method "min" is all-or-nothing against the subtask score, "sum" adds the
// per-testcase scores.
func finishSubtask(sr *tasks.SubtaskResult, subtask *tasks.ProblemSubtask) {
	status := judge.StatusAccepted
	var sum int64
	for _, tc := range sr.Testcases {
		if judge.Worse(judge.Status(tc.Status), status) {
			status = judge.Status(tc.Status)
		}
		sum += tc.Score
	}
	sr.Status = string(status)
	if subtask.Method == "min" {
		if status == judge.StatusAccepted {
			sr.Score = subtask.Score
		} else {
			sr.Score = 0
		}
		return
	}
	sr.Score = sum
}

// aggregate computes the overall status and a human summary across all
// subtasks: worst status, max time, max memory, total score.
func aggregate(result tasks.JudgeResult) (message string, overall judge.Status) {
	overall = judge.StatusAccepted
	var score, maxTime, maxMemory int64
	for _, sr := range result {
		score += sr.Score
		for _, tc := range sr.Testcases {
			if judge.Worse(judge.Status(tc.Status), overall) {
				overall = judge.Status(tc.Status)
			}
			if tc.TimeCost > maxTime {
				maxTime = tc.TimeCost
			}
			if tc.MemoryCost > maxMemory {
				maxMemory = tc.MemoryCost
			}
		}
	}
	message = fmt.Sprintf("Score: %d\nTime usage: %d ms\nMemory usage: %d KB",
		score, maxTime, maxMemory/1024)
	return message, overall
}
