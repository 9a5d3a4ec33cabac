// Package compare decides how much of a testcase's score an output earns.
package compare

import (
	"context"
	"fmt"
	"strings"
)

// Result is a comparator's ruling for one testcase.
type Result struct {
	Score   int64
	Message string
}

// Comparator scores a program's output against the reference answer.
// input is the testcase input, available to checkers that need it.
type Comparator interface {
	Compare(ctx context.Context, userOut, answer, input []byte, fullScore int64) (*Result, error)
}

// LineComparator matches output to the answer line by line, ignoring
// trailing whitespace on each line and trailing blank lines. All or
// nothing: a match earns the full score.
type LineComparator struct{}

func (LineComparator) Compare(_ context.Context, userOut, answer, _ []byte, fullScore int64) (*Result, error) {
	userLines := trimTrailingBlank(strings.Split(string(userOut), "\n"))
	answerLines := trimTrailingBlank(strings.Split(string(answer), "\n"))

	if len(userLines) != len(answerLines) {
		return &Result{
			Score:   0,
			Message: fmt.Sprintf("Expected %d lines, received %d lines", len(answerLines), len(userLines)),
		}, nil
	}
	for i := range userLines {
		if strings.TrimRight(userLines[i], " \t\r") != strings.TrimRight(answerLines[i], " \t\r") {
			return &Result{Score: 0, Message: fmt.Sprintf("Different at line %d.", i+1)}, nil
		}
	}
	return &Result{Score: fullScore, Message: "OK!"}, nil
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimRight(lines[len(lines)-1], " \t\r") == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
