// Package sandbox runs untrusted programs inside disposable containers and
// measures their resource usage under hard limits.
package sandbox

import (
	"context"

	"github.com/openhj/judger/internal/judge"
)

// Limits bound one run inside a sandbox. Zero values mean "generous
// default", never "unlimited".
type Limits struct {
	CpuMillis      int64
	WallMillis     int64
	MemoryBytes    int64
	MaxOutputBytes int64
}

const (
	DefaultMemoryBytes    = 2048 << 20
	DefaultWallMillis     = 60_000
	DefaultMaxOutputBytes = 1 << 20
)

// withDefaults fills unset fields.
func (l Limits) withDefaults() Limits {
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultMemoryBytes
	}
	if l.WallMillis <= 0 {
		if l.CpuMillis > 0 {
			// pathological sleepers are bounded by a wall ceiling above
			// the cpu limit
			l.WallMillis = l.CpuMillis*2 + 1000
		} else {
			l.WallMillis = DefaultWallMillis
		}
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return l
}

// Spec describes the environment a Box is created from.
type Spec struct {
	// container image reference, fixed by configuration
	Image string
}

// Runner creates sandboxes.
type Runner interface {
	Acquire(ctx context.Context, spec Spec) (Box, error)
}

// Box is one isolated execution environment, exclusively owned by a single
// judging pipeline. Multiple runs may share the box; Release must be called
// exactly once on every exit path and is safe to defer.
type Box interface {
	// Dir is the host path of the box working directory.
	Dir() string
	AddFile(name string, content []byte) error
	ReadFile(name string) ([]byte, error)
	HasFile(name string) bool
	FileSize(name string) (int64, error)
	// Reset clears working files between runs, keeping the named ones.
	Reset(keep ...string) error
	// Run executes a shell command inside the box to completion or forced
	// termination. Blocking; never call concurrently for the same box.
	Run(ctx context.Context, command string, lim Limits) (*judge.ExecutionResult, error)
	Release() error
}
