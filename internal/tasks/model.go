// Package tasks holds the legacy wire schema shared between the broker
// messages and the platform API. Field names and JSON keys mirror the
// original judging system and must be preserved for compatibility.
package tasks

import "strings"

// SubmissionInfo is the submission record attached to a local judge task.
type SubmissionInfo struct {
	ID                        int64       `json:"id"`
	Code                      string      `json:"code"`
	ContestID                 int64       `json:"contest_id"`
	ExtraCompileParameter     string      `json:"extra_compile_parameter"`
	Judger                    string      `json:"judger"`
	Language                  string      `json:"language"`
	MemoryCost                int64       `json:"memory_cost"`
	Message                   string      `json:"message"`
	ProblemID                 int64       `json:"problem_id"`
	ProblemsetID              int64       `json:"problemset_id"`
	Public                    int8        `json:"public"`
	Score                     int64       `json:"score"`
	SelectedCompileParameters []int64     `json:"selected_compile_parameters"`
	Status                    string      `json:"status"`
	SubmitTime                string      `json:"submit_time"`
	TimeCost                  int64       `json:"time_cost"`
	UID                       int64       `json:"uid"`
	VirtualContestID          *int64      `json:"virtual_contest_id"`
	JudgeResult               JudgeResult `json:"judge_result"`
}

// ExtraJudgeConfig carries per-task judging knobs set by the platform.
type ExtraJudgeConfig struct {
	// milliseconds
	CompileTimeLimit int64 `json:"compile_time_limit"`
	// characters
	CompileResultLengthLimit int64  `json:"compile_result_length_limit"`
	SpjExecuteTimeLimit      int64  `json:"spj_execute_time_limit"`
	ExtraCompileParameter    string `json:"extra_compile_parameter"`
	AutoSyncFiles            bool   `json:"auto_sync_files"`
	// bytes
	OutputFileSizeLimit int64 `json:"output_file_size_limit"`
	SubmitAnswer        bool  `json:"submit_answer"`
	// base64 zip of the submitted answer files
	AnswerData *string  `json:"answer_data"`
	TimeScale  *float64 `json:"time_scale"`
}

// ExtraIDERunConfig carries the limits for an interactive IDE run task.
type ExtraIDERunConfig struct {
	CompileTimeLimit         int64 `json:"compile_time_limit"`
	CompileResultLengthLimit int64 `json:"compile_result_length_limit"`
	// milliseconds
	TimeLimit int64 `json:"time_limit"`
	// mebibytes
	MemoryLimit       int64  `json:"memory_limit"`
	ResultLengthLimit int64  `json:"result_length_limit"`
	Parameter         string `json:"parameter"`
}

// ProblemInfo describes a problem as served by the platform API.
type ProblemInfo struct {
	Files           []ProblemFile    `json:"files"`
	ID              int64            `json:"id"`
	InputFileName   string           `json:"input_file_name"`
	OutputFileName  string           `json:"output_file_name"`
	ProblemType     string           `json:"problem_type"`
	Provides        []string         `json:"provides"`
	RemoteJudgeOJ   *string          `json:"remote_judge_oj"`
	RemoteProblemID *string          `json:"remote_problem_id"`
	SpjFilename     string           `json:"spj_filename"`
	UsingFileIO     int8             `json:"using_file_io"`
	Subtasks        []ProblemSubtask `json:"subtasks"`
}

type ProblemFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type ProblemTestcase struct {
	FullScore int64  `json:"full_score"`
	Input     string `json:"input"`
	Output    string `json:"output"`
}

type ProblemSubtask struct {
	// milliseconds
	TimeLimit int64 `json:"time_limit"`
	// mebibytes
	MemoryLimit int64             `json:"memory_limit"`
	Method      string            `json:"method"`
	Name        string            `json:"name"`
	Score       int64             `json:"score"`
	Testcases   []ProblemTestcase `json:"testcases"`
}

// SpjLanguageID extracts the language id from the special judge filename,
// which follows the spj_<lang>.<ext> convention.
func (p *ProblemInfo) SpjLanguageID() string {
	name := p.SpjFilename
	name = strings.TrimPrefix(name, "spj_")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// JudgeResult maps subtask names to their results. It is serialized as-is
// into the judge_result form field of status updates.
type JudgeResult map[string]*SubtaskResult

type SubtaskResult struct {
	Score     int64             `json:"score"`
	Status    string            `json:"status"`
	Testcases []*TestcaseResult `json:"testcases"`
}

type TestcaseResult struct {
	FullScore  int64  `json:"full_score"`
	Input      string `json:"input"`
	MemoryCost int64  `json:"memory_cost"`
	Message    string `json:"message"`
	Output     string `json:"output"`
	Score      int64  `json:"score"`
	Status     string `json:"status"`
	TimeCost   int64  `json:"time_cost"`
}

// NewJudgeResult builds the initial all-waiting result for a problem.
func NewJudgeResult(subtasks []ProblemSubtask) JudgeResult {
	res := make(JudgeResult, len(subtasks))
	for _, st := range subtasks {
		sr := &SubtaskResult{
			Score:     0,
			Status:    "waiting",
			Testcases: make([]*TestcaseResult, 0, len(st.Testcases)),
		}
		for _, tc := range st.Testcases {
			sr.Testcases = append(sr.Testcases, &TestcaseResult{
				FullScore: tc.FullScore,
				Input:     tc.Input,
				Output:    tc.Output,
				Status:    "waiting",
			})
		}
		res[st.Name] = sr
	}
	return res
}
