package judge

import "fmt"

// ProtocolError marks a malformed or unsupported task message. Such tasks
// are rejected and never retried locally.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// SandboxError marks an execution infrastructure failure: image missing,
// container creation failed, monitoring broke. It surfaces to the submitter
// as a judge_failed verdict, never as a runtime error of their program.
type SandboxError struct {
	Op  string
	Err error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// CheckerError marks a special judge program that crashed or produced an
// invalid score. Distinct from wrong_answer: the submission is not at fault.
type CheckerError struct {
	Reason string
}

func (e *CheckerError) Error() string {
	return fmt.Sprintf("checker error: %s", e.Reason)
}
