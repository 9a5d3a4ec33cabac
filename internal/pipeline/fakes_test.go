package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/sandbox"
	"github.com/openhj/judger/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBox simulates a sandbox with an in-memory filesystem; onRun scripts
// what each command does.
type fakeBox struct {
	files    map[string][]byte
	onRun    func(b *fakeBox, command string) (*judge.ExecutionResult, error)
	released bool
}

func (b *fakeBox) Dir() string { return "/fake" }

func (b *fakeBox) AddFile(name string, content []byte) error {
	b.files[name] = content
	return nil
}

func (b *fakeBox) ReadFile(name string) ([]byte, error) {
	data, ok := b.files[name]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", name)
	}
	return data, nil
}

func (b *fakeBox) HasFile(name string) bool {
	_, ok := b.files[name]
	return ok
}

func (b *fakeBox) FileSize(name string) (int64, error) {
	data, err := b.ReadFile(name)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (b *fakeBox) Reset(keep ...string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for name := range b.files {
		if !keepSet[name] {
			delete(b.files, name)
		}
	}
	return nil
}

func (b *fakeBox) Run(_ context.Context, command string, _ sandbox.Limits) (*judge.ExecutionResult, error) {
	return b.onRun(b, command)
}

func (b *fakeBox) Release() error {
	b.released = true
	return nil
}

type fakeRunner struct {
	mu         sync.Mutex
	onRun      func(b *fakeBox, command string) (*judge.ExecutionResult, error)
	acquireErr error
	boxes      []*fakeBox
}

func (r *fakeRunner) Acquire(context.Context, sandbox.Spec) (sandbox.Box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	box := &fakeBox{files: map[string][]byte{}, onRun: r.onRun}
	r.boxes = append(r.boxes, box)
	return box, nil
}

func (r *fakeRunner) activeBoxes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.boxes {
		if !b.released {
			n++
		}
	}
	return n
}

type finalReport struct {
	Result      tasks.JudgeResult
	Message     string
	ExtraStatus string
}

type ideReport struct {
	RunID   string
	Message string
	Status  string
}

type fakeAPI struct {
	mu       sync.Mutex
	problem  *tasks.ProblemInfo
	langs    map[string]*tasks.LanguageConfig
	updates  []string
	finals   []finalReport
	ideLive  []ideReport
	ideDone  []ideReport
	finalErr error
}

func (a *fakeAPI) GetProblemInfo(context.Context, int64) (*tasks.ProblemInfo, error) {
	if a.problem == nil {
		return nil, fmt.Errorf("no such problem")
	}
	return a.problem, nil
}

func (a *fakeAPI) GetLanguageConfig(_ context.Context, langID string) (*tasks.LanguageConfig, error) {
	lang, ok := a.langs[langID]
	if !ok {
		return nil, fmt.Errorf("unknown language: %s", langID)
	}
	return lang, nil
}

func (a *fakeAPI) UpdateStatus(_ context.Context, _ tasks.JudgeResult, message, _ string, _ int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, message)
}

func (a *fakeAPI) ReportFinal(_ context.Context, result tasks.JudgeResult, message, extraStatus string, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalErr != nil {
		return a.finalErr
	}
	a.finals = append(a.finals, finalReport{Result: result, Message: message, ExtraStatus: extraStatus})
	return nil
}

func (a *fakeAPI) UpdateIDEStatus(_ context.Context, runID, message, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ideLive = append(a.ideLive, ideReport{RunID: runID, Message: message, Status: status})
}

func (a *fakeAPI) ReportIDEFinal(_ context.Context, runID, message, status string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ideDone = append(a.ideDone, ideReport{RunID: runID, Message: message, Status: status})
	return nil
}

type fakeStore struct {
	mu    sync.Mutex
	files map[string][]byte
	syncs []int64
}

func (s *fakeStore) Sync(_ context.Context, problemID int64, progress func(string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, problemID)
	if progress != nil {
		progress("Syncing files..")
	}
	return nil
}

func (s *fakeStore) ReadFile(_ int64, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", name)
	}
	return data, nil
}

func (s *fakeStore) Dir(problemID int64) string {
	return "/data/" + strconv.FormatInt(problemID, 10)
}

var fakeLang = &tasks.LanguageConfig{
	SourceFile: "{filename}.c",
	OutputFile: "{filename}.bin",
	Compile:    "fakecc {source} -o {output} {extra}",
	Run:        "./{program} {redirect}",
}

// adderBehavior simulates a compiler plus a program that prints the sum of
// the two numbers on its input.
func adderBehavior(b *fakeBox, command string) (*judge.ExecutionResult, error) {
	switch {
	case len(command) >= 6 && command[:6] == "fakecc":
		b.files["user-app.bin"] = []byte{1}
		return &judge.ExecutionResult{ExitCode: 0}, nil
	default:
		input := b.files["in"]
		var x, y int
		fmt.Sscanf(string(input), "%d %d", &x, &y)
		b.files["out"] = []byte(fmt.Sprintf("%d\n", x+y))
		return &judge.ExecutionResult{ExitCode: 0, CpuMillis: 12, WallMillis: 15, MemoryBytes: 1 << 20}, nil
	}
}

func oneSubtaskProblem() *tasks.ProblemInfo {
	return &tasks.ProblemInfo{
		ID: 101,
		Subtasks: []tasks.ProblemSubtask{{
			Name:        "Subtask1",
			Method:      "sum",
			Score:       100,
			TimeLimit:   1000,
			MemoryLimit: 256,
			Testcases: []tasks.ProblemTestcase{{
				FullScore: 100,
				Input:     "1.in",
				Output:    "1.out",
			}},
		}},
	}
}

func newTestPipeline(api *fakeAPI, runner *fakeRunner, store *fakeStore) *Pipeline {
	return New(api, runner, store, "judge:latest", testLogger())
}

func submission() *tasks.SubmissionInfo {
	return &tasks.SubmissionInfo{ID: 9001, ProblemID: 101, Language: "c", Code: "int main(){}"}
}

func extraConfig() *tasks.ExtraJudgeConfig {
	return &tasks.ExtraJudgeConfig{
		CompileTimeLimit:         10_000,
		CompileResultLengthLimit: 4096,
		OutputFileSizeLimit:      64 << 20,
	}
}
