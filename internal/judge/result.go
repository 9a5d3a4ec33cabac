package judge

// Cause classifies why a sandboxed execution ended.
type Cause int

const (
	// CauseExited means the program ran to completion with exit code 0.
	CauseExited Cause = iota
	// CauseTimeLimit means the cpu or wall clock limit was hit and the
	// process group was killed.
	CauseTimeLimit
	// CauseMemoryLimit means peak memory reached the limit or the kernel
	// OOM-killed the process.
	CauseMemoryLimit
	// CauseOutputLimit means the captured output exceeded its cap.
	CauseOutputLimit
	// CauseRuntimeError means the program itself exited non-zero.
	CauseRuntimeError
	// CauseSandboxError means the sandbox failed to spawn or monitor the
	// process. This is an infrastructure fault, never the program's.
	CauseSandboxError
)

func (c Cause) String() string {
	switch c {
	case CauseExited:
		return "exited"
	case CauseTimeLimit:
		return "time_limit"
	case CauseMemoryLimit:
		return "memory_limit"
	case CauseOutputLimit:
		return "output_limit"
	case CauseRuntimeError:
		return "runtime_error"
	case CauseSandboxError:
		return "sandbox_error"
	}
	return "unknown"
}

// ExecutionResult is the outcome of one run inside a sandbox. It is
// produced once by the resource limiter and never mutated afterwards.
type ExecutionResult struct {
	ExitCode        int
	CpuMillis       int64
	WallMillis      int64
	MemoryBytes     int64
	Output          string
	OutputTruncated bool
	Cause           Cause
}

// Verdict maps a termination cause to the per-testcase status reported to
// the platform.
func (r *ExecutionResult) Verdict() Status {
	switch r.Cause {
	case CauseTimeLimit:
		return StatusTimeLimitExceed
	case CauseMemoryLimit:
		return StatusMemoryLimitExceed
	case CauseOutputLimit:
		return StatusOutputSizeExceed
	case CauseRuntimeError:
		return StatusRuntimeError
	case CauseSandboxError:
		return StatusJudgeFailed
	}
	return StatusAccepted
}
