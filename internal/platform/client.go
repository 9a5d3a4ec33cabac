// Package platform talks to the web platform's judge API. Endpoints, form
// fields and the {code, message, data} envelope follow the legacy protocol
// byte for byte.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openhj/judger/internal/tasks"
)

type Client struct {
	http    *http.Client
	baseURL string
	uuid    string
	log     *slog.Logger

	// final-result delivery retry schedule
	maxAttempts int
	backoffBase time.Duration
}

func New(baseURL, judgerUUID string, log *slog.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		uuid:        judgerUUID,
		log:         log,
		maxAttempts: 5,
		backoffBase: 500 * time.Millisecond,
	}
}

type envelope struct {
	Code    int64           `json:"code"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) subURL(sub string) string {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + strings.TrimPrefix(sub, "/")
	}
	ref, err := url.Parse(strings.TrimPrefix(sub, "/"))
	if err != nil {
		return c.baseURL + strings.TrimPrefix(sub, "/")
	}
	return base.ResolveReference(ref).String()
}

// postForm sends an urlencoded POST and decodes the response envelope,
// returning the data payload.
func (c *Client) postForm(ctx context.Context, sub string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subURL(sub),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid response from server: %s: %w", trim(body), err)
	}
	if env.Code != 0 {
		msg := "<not available>"
		if env.Message != nil {
			msg = *env.Message
		}
		return nil, fmt.Errorf("server responded code %d: %s", env.Code, msg)
	}
	return env.Data, nil
}

func trim(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// GetProblemInfo fetches the problem definition for a submission.
func (c *Client) GetProblemInfo(ctx context.Context, problemID int64) (*tasks.ProblemInfo, error) {
	data, err := c.postForm(ctx, "/api/judge/get_problem_info", url.Values{
		"uuid":       {c.uuid},
		"problem_id": {strconv.FormatInt(problemID, 10)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get problem info: %w", err)
	}
	var info tasks.ProblemInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode problem info: %w", err)
	}
	return &info, nil
}

// GetLanguageConfig fetches the command templates for a language id.
func (c *Client) GetLanguageConfig(ctx context.Context, langID string) (*tasks.LanguageConfig, error) {
	data, err := c.postForm(ctx, "/api/judge/get_lang_config_as_json", url.Values{
		"uuid":    {c.uuid},
		"lang_id": {langID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get language config: %w", err)
	}
	var lang tasks.LanguageConfig
	if err := json.Unmarshal(data, &lang); err != nil {
		return nil, fmt.Errorf("failed to decode language config: %w", err)
	}
	return &lang, nil
}

// SyncFile is one entry of the server-side testdata file listing.
type SyncFile struct {
	Name             string  `json:"name"`
	Size             int64   `json:"size"`
	LastModifiedTime float64 `json:"last_modified_time"`
}

// GetFileList lists the testdata files the server holds for a problem.
func (c *Client) GetFileList(ctx context.Context, problemID int64) ([]SyncFile, error) {
	data, err := c.postForm(ctx, "/api/judge/get_file_list", url.Values{
		"uuid":       {c.uuid},
		"problem_id": {strconv.FormatInt(problemID, 10)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file list: %w", err)
	}
	var files []SyncFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}
	return files, nil
}

// DownloadFile fetches one testdata file's raw bytes.
func (c *Client) DownloadFile(ctx context.Context, problemID int64, filename string) ([]byte, error) {
	form := url.Values{
		"uuid":       {c.uuid},
		"problem_id": {strconv.FormatInt(problemID, 10)},
		"filename":   {filename},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.subURL("/api/judge/download_file"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %s", filename, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// UpdateStatus posts a progress update for a submission. Best effort: a
// failure is logged and swallowed, live progress is advisory only.
func (c *Client) UpdateStatus(ctx context.Context, result tasks.JudgeResult,
	message string, extraStatus string, submissionID int64) {

	if err := c.updateStatus(ctx, result, message, extraStatus, submissionID); err != nil {
		c.log.Warn("failed to report status",
			"submission_id", submissionID, "err", err)
	}
}

// ReportFinal posts the final submission report, retrying with exponential
// backoff. Exhausting the retries is logged as an operational alert.
func (c *Client) ReportFinal(ctx context.Context, result tasks.JudgeResult,
	message string, extraStatus string, submissionID int64) error {

	var err error
	delay := c.backoffBase
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.updateStatus(ctx, result, message, extraStatus, submissionID)
		if err == nil {
			return nil
		}
		c.log.Warn("failed to deliver result, will retry",
			"submission_id", submissionID, "attempt", attempt, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	c.log.Error("ALERT: result delivery exhausted retries, report dropped",
		"submission_id", submissionID, "err", err)
	return fmt.Errorf("result delivery for submission %d exhausted retries: %w", submissionID, err)
}

func (c *Client) updateStatus(ctx context.Context, result tasks.JudgeResult,
	message string, extraStatus string, submissionID int64) error {

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal judge result: %w", err)
	}
	_, err = c.postForm(ctx, "/api/judge/update", url.Values{
		"uuid":          {c.uuid},
		"judge_result":  {string(resultJSON)},
		"submission_id": {strconv.FormatInt(submissionID, 10)},
		"message":       {message},
		"extra_status":  {extraStatus},
	})
	return err
}

// UpdateIDEStatus posts an interactive IDE run update. Best effort like
// UpdateStatus, except the final "done" message which the caller sends via
// ReportIDEFinal.
func (c *Client) UpdateIDEStatus(ctx context.Context, runID, message, status string) {
	if err := c.updateIDEStatus(ctx, runID, message, status); err != nil {
		c.log.Warn("failed to report ide status", "run_id", runID, "err", err)
	}
}

// ReportIDEFinal delivers the final IDE run state with retries.
func (c *Client) ReportIDEFinal(ctx context.Context, runID, message, status string) error {
	var err error
	delay := c.backoffBase
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.updateIDEStatus(ctx, runID, message, status)
		if err == nil {
			return nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	c.log.Error("ALERT: ide result delivery exhausted retries", "run_id", runID, "err", err)
	return fmt.Errorf("ide result delivery for run %s exhausted retries: %w", runID, err)
}

func (c *Client) updateIDEStatus(ctx context.Context, runID, message, status string) error {
	_, err := c.postForm(ctx, "/api/ide/update", url.Values{
		"uuid":    {c.uuid},
		"run_id":  {runID},
		"message": {message},
		"status":  {status},
	})
	return err
}
