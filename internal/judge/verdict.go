package judge

// Status values are the legacy wire strings understood by the platform.
// They appear verbatim inside judge_result payloads and must not change.
type Status string

const (
	StatusWaiting           Status = "waiting"
	StatusJudging           Status = "judging"
	StatusAccepted          Status = "accepted"
	StatusWrongAnswer       Status = "wrong_answer"
	StatusTimeLimitExceed   Status = "time_limit_exceed"
	StatusMemoryLimitExceed Status = "memory_limit_exceed"
	StatusRuntimeError      Status = "runtime_error"
	StatusOutputSizeExceed  Status = "output_size_limit_exceed"
	StatusCompileError      Status = "compile_error"
	StatusJudgeFailed       Status = "judge_failed"
	StatusSkipped           Status = "skipped"
	StatusUnaccepted        Status = "unaccepted"
)

// statusSeverity orders statuses from best to worst for aggregation.
// Anything not listed ranks worst.
var statusSeverity = map[Status]int{
	StatusAccepted:          0,
	StatusSkipped:           1,
	StatusWrongAnswer:       2,
	StatusOutputSizeExceed:  3,
	StatusTimeLimitExceed:   4,
	StatusMemoryLimitExceed: 5,
	StatusRuntimeError:      6,
	StatusUnaccepted:        7,
	StatusCompileError:      8,
	StatusJudgeFailed:       9,
}

// Worse reports whether a ranks strictly worse than b.
func Worse(a, b Status) bool {
	sa, ok := statusSeverity[a]
	if !ok {
		sa = len(statusSeverity)
	}
	sb, ok := statusSeverity[b]
	if !ok {
		sb = len(statusSeverity)
	}
	return sa > sb
}
