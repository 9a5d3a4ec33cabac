package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/openhj/judger/internal/judge"
	"github.com/openhj/judger/internal/tasks"
)

// uncompressed size cap for a submitted answer archive
const answerArchiveLimit = 256 << 20

// decodeAnswerArchive unpacks the base64 zip a submit-answer task carries.
func decodeAnswerArchive(encoded *string) (map[string][]byte, error) {
	if encoded == nil {
		return nil, &judge.ProtocolError{Reason: "submit-answer task without answer data"}
	}
	raw, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("answer data is not valid base64: %v", err)}
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, &judge.ProtocolError{Reason: fmt.Sprintf("answer data is not a zip archive: %v", err)}
	}
	files := make(map[string][]byte, len(zr.File))
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		total += int64(f.UncompressedSize64)
		if total > answerArchiveLimit {
			return nil, &judge.ProtocolError{Reason: "answer archive too large"}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &judge.ProtocolError{Reason: fmt.Sprintf("unreadable archive entry %s: %v", f.Name, err)}
		}
		data, err := io.ReadAll(io.LimitReader(rc, answerArchiveLimit))
		rc.Close()
		if err != nil {
			return nil, &judge.ProtocolError{Reason: fmt.Sprintf("unreadable archive entry %s: %v", f.Name, err)}
		}
		files[f.Name] = data
	}
	return files, nil
}

// judgeSubmittedAnswer checks one testcase of a submit-answer task: no
// execution, the submitted file named after the testcase's answer file is
// compared directly.
func (p *Pipeline) judgeSubmittedAnswer(ctx context.Context, run *submissionRun, tc *tasks.ProblemTestcase, tcResult *tasks.TestcaseResult) error {
	tcResult.TimeCost = 0
	tcResult.MemoryCost = 0

	userAnswer, ok := run.answerFiles[tc.Output]
	if !ok {
		tcResult.Status = string(judge.StatusWrongAnswer)
		tcResult.Message = fmt.Sprintf("Missing file: %s", tc.Output)
		return nil
	}
	input, err := p.data.ReadFile(run.problem.ID, tc.Input)
	if err != nil {
		return fmt.Errorf("read input %s: %w", tc.Input, err)
	}
	answer, err := p.data.ReadFile(run.problem.ID, tc.Output)
	if err != nil {
		return fmt.Errorf("read answer %s: %w", tc.Output, err)
	}
	return p.check(ctx, run, tc, tcResult, userAnswer, answer, input)
}
