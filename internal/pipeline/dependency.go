package pipeline

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openhj/judger/internal/judge"
)

// DependencyFilename is the optional per-problem file declaring which
// subtasks must pass before others are judged.
const DependencyFilename = "subtask_dependency.json"

// depGraph admits subtasks in declaration order once all their
// prerequisites have passed. An edge A->B means A depends on B.
type depGraph struct {
	nameToIndex map[string]int
	names       []string
	deps        [][]int
	dependents  [][]int
	unmet       []int
	ready       indexHeap
	passed      []bool
}

type skippedSubtask struct {
	Name   string
	Reason string
}

// newDepGraph builds the admission order for names. raw is the JSON body of
// the dependency file, mapping each subtask to the subtasks it depends on;
// nil means no dependencies.
func newDepGraph(names []string, raw []byte) (*depGraph, error) {
	g := &depGraph{
		nameToIndex: make(map[string]int, len(names)),
		names:       names,
		deps:        make([][]int, len(names)),
		dependents:  make([][]int, len(names)),
		unmet:       make([]int, len(names)),
		passed:      make([]bool, len(names)),
	}
	for i, name := range names {
		g.nameToIndex[name] = i
	}
	if raw != nil {
		var parsed map[string][]string
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, &judge.ProtocolError{Reason: fmt.Sprintf("unparsable dependency file: %v", err)}
		}
		for from, edges := range parsed {
			fromIdx, ok := g.nameToIndex[from]
			if !ok {
				return nil, &judge.ProtocolError{Reason: fmt.Sprintf("unknown subtask %q in dependency file", from)}
			}
			for _, to := range edges {
				toIdx, ok := g.nameToIndex[to]
				if !ok {
					return nil, &judge.ProtocolError{Reason: fmt.Sprintf("unknown subtask %q in dependency file", to)}
				}
				g.deps[fromIdx] = append(g.deps[fromIdx], toIdx)
				g.dependents[toIdx] = append(g.dependents[toIdx], fromIdx)
				g.unmet[fromIdx]++
			}
		}
	}
	for i, n := range g.unmet {
		if n == 0 {
			heap.Push(&g.ready, i)
		}
	}
	return g, nil
}

// Next returns the next admissible subtask, or false when none remain.
func (g *depGraph) Next() (string, bool) {
	if g.ready.Len() == 0 {
		return "", false
	}
	return g.names[g.ready[0]], true
}

// Report records the outcome of the subtask last returned by Next. A passed
// subtask unlocks its dependents; a failed one strands them.
func (g *depGraph) Report(ok bool) {
	if g.ready.Len() == 0 {
		return
	}
	idx := heap.Pop(&g.ready).(int)
	if !ok {
		return
	}
	g.passed[idx] = true
	for _, dep := range g.dependents[idx] {
		g.unmet[dep]--
		if g.unmet[dep] == 0 {
			heap.Push(&g.ready, dep)
		}
	}
}

// Skipped lists the subtasks never admitted, each with the prerequisites
// that failed them.
func (g *depGraph) Skipped() []skippedSubtask {
	var out []skippedSubtask
	for i := range g.names {
		if g.unmet[i] == 0 {
			continue
		}
		var failed []string
		for _, dep := range g.deps[i] {
			if !g.passed[dep] {
				failed = append(failed, g.names[dep])
			}
		}
		out = append(out, skippedSubtask{
			Name:   g.names[i],
			Reason: fmt.Sprintf("Skipped for failing `%s`", strings.Join(failed, ", ")),
		})
	}
	return out
}

// indexHeap is a min-heap of subtask indexes, keeping admission in
// declaration order.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
