package compare

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/tasks"
)

const spjProgram = "specialjudge"

const (
	spjCompileCpuMillis = 10_000
	spjCompileMemory    = 1024 << 20
	spjMemory           = 2048 << 20
	spjOutputCap        = 1 << 20
)

// SpecialJudge runs a problem-supplied checker program in its own sandbox.
// The checker reads user_out, answer and input from its working directory
// and writes score (0..100, scaled to the testcase's full score) and an
// optional message.
type SpecialJudge struct {
	runner     sandbox.Runner
	spec       sandbox.Spec
	source     []byte
	lang       *tasks.LanguageConfig
	timeLimit  int64
	log        *slog.Logger
	once       sync.Once
	box        sandbox.Box
	compileErr error
}

func NewSpecialJudge(runner sandbox.Runner, spec sandbox.Spec, source []byte, lang *tasks.LanguageConfig, timeLimitMillis int64, log *slog.Logger) *SpecialJudge {
	return &SpecialJudge{
		runner:    runner,
		spec:      spec,
		source:    source,
		lang:      lang,
		timeLimit: timeLimitMillis,
		log:       log,
	}
}

// Close releases the checker's sandbox, if it was ever compiled.
func (s *SpecialJudge) Close() {
	if s.box != nil {
		s.box.Release()
	}
}

// compile builds the checker once; subsequent testcases reuse the binary.
func (s *SpecialJudge) compile(ctx context.Context) error {
	s.once.Do(func() {
		box, err := s.runner.Acquire(ctx, s.spec)
		if err != nil {
			s.compileErr = err
			return
		}
		srcName := s.lang.Source(spjProgram)
		outName := s.lang.Output(spjProgram)
		if err := box.AddFile(srcName, s.source); err != nil {
			box.Release()
			s.compileErr = &judge.SandboxError{Op: "write checker source", Err: err}
			return
		}
		res, err := box.Run(ctx, s.lang.CompileCmd(srcName, outName, ""), sandbox.Limits{
			CpuMillis:   spjCompileCpuMillis,
			MemoryBytes: spjCompileMemory,
		})
		if err != nil {
			box.Release()
			s.compileErr = err
			return
		}
		if res.ExitCode != 0 || !box.HasFile(outName) {
			box.Release()
			s.compileErr = &judge.CheckerError{
				Reason: fmt.Sprintf("checker failed to compile (exit code %d): %s", res.ExitCode, res.Output),
			}
			return
		}
		s.log.Debug("checker compiled", "output", outName)
		s.box = box
	})
	return s.compileErr
}

func (s *SpecialJudge) Compare(ctx context.Context, userOut, answer, input []byte, fullScore int64) (*Result, error) {
	if err := s.compile(ctx); err != nil {
		return nil, err
	}
	outName := s.lang.Output(spjProgram)
	if err := s.box.Reset(outName); err != nil {
		return nil, &judge.SandboxError{Op: "reset checker sandbox", Err: err}
	}
	for name, data := range map[string][]byte{
		"user_out": userOut,
		"answer":   answer,
		"input":    input,
	} {
		if err := s.box.AddFile(name, data); err != nil {
			return nil, &judge.SandboxError{Op: "write " + name, Err: err}
		}
	}

	res, err := s.box.Run(ctx, s.lang.RunCmd(outName, ""), sandbox.Limits{
		CpuMillis:      s.timeLimit,
		MemoryBytes:    spjMemory,
		MaxOutputBytes: spjOutputCap,
	})
	if err != nil {
		return nil, err
	}

	message := ""
	if s.box.HasFile("message") {
		data, err := s.box.ReadFile("message")
		if err != nil {
			return nil, &judge.SandboxError{Op: "read checker message", Err: err}
		}
		message = string(data)
	}
	// a crashing or score-less checker is a broken checker, not a wrong
	// answer; the submission must not be graded on it
	if res.ExitCode != 0 {
		return nil, &judge.CheckerError{Reason: fmt.Sprintf("checker exited: %d (%d MB, %d ms)|%s",
			res.ExitCode, res.MemoryBytes/1024/1024, res.CpuMillis, message)}
	}
	if !s.box.HasFile("score") {
		return nil, &judge.CheckerError{Reason: "checker exited with no score file"}
	}
	raw, err := s.box.ReadFile("score")
	if err != nil {
		return nil, &judge.SandboxError{Op: "read checker score", Err: err}
	}
	score, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, &judge.CheckerError{Reason: fmt.Sprintf("unparsable score %q", strings.TrimSpace(string(raw)))}
	}
	if score < 0 || score > 100 {
		return nil, &judge.CheckerError{Reason: fmt.Sprintf("score %d out of range 0..100", score)}
	}
	return &Result{
		Score:   int64(float64(score) / 100.0 * float64(fullScore)),
		Message: message,
	}, nil
}
