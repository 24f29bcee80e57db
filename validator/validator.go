// Package validator runs an external GTFS validator over a feed and summarises its report.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Report is the part of a validator report kept with a project.
type Report struct {
	Message  string
	Errors   int
	Warnings int
	Infos    int
	Duration time.Duration
}

// Runner invokes Command with Args, replacing "{input}" with the path of the feed zip and
// "{output}" with a directory the validator writes report.json into. The report follows the
// MobilityData validator layout: a "notices" array whose entries carry "code", "severity" and
// "totalNotices".
type Runner struct {
	Command string
	Args    []string
	Timeout time.Duration
}

const (
	inputPlaceholder  = "{input}"
	outputPlaceholder = "{output}"
	reportName        = "report.json"
	maxOutputInError  = 2000
	maxCodesInMessage = 5
)

// Validate writes feed to a temporary directory and runs the validator on it. A validator that
// exits non-zero or writes no readable report is an error.
func (r *Runner) Validate(ctx context.Context, feed []byte) (*Report, error) {
	if r.Command == "" {
		return nil, errors.New("no validator command configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "gtfseditor-validate-*")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	input := filepath.Join(dir, "gtfs.zip")
	if err := os.WriteFile(input, feed, 0o600); err != nil {
		return nil, err
	}
	output := filepath.Join(dir, "output")
	if err := os.Mkdir(output, 0o700); err != nil {
		return nil, err
	}

	args := make([]string, len(r.Args))
	for i, arg := range r.Args {
		arg = strings.ReplaceAll(arg, inputPlaceholder, input)
		args[i] = strings.ReplaceAll(arg, outputPlaceholder, output)
	}

	slog.Info(fmt.Sprintf("Running validator %s %s", r.Command, strings.Join(args, " ")))
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("validator interrupted after %s: %w", elapsed.Round(time.Millisecond), ctx.Err())
	}
	if runErr != nil {
		return nil, fmt.Errorf("validator failed: %w: %s", runErr, tail(combined.String(), maxOutputInError))
	}

	data, err := os.ReadFile(filepath.Join(output, reportName))
	if err != nil {
		return nil, fmt.Errorf("read validator report: %w", err)
	}
	report, err := ParseReport(data)
	if err != nil {
		return nil, err
	}
	report.Duration = elapsed
	slog.Info(fmt.Sprintf("Validator finished in %s: %s", elapsed.Round(time.Millisecond), report.Message))
	return report, nil
}

// ParseReport counts notices by severity. Notices without a total count once.
func ParseReport(data []byte) (*Report, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("validator report is not valid JSON")
	}
	notices := gjson.GetBytes(data, "notices")
	if !notices.IsArray() {
		return nil, errors.New("validator report has no notices array")
	}

	report := &Report{}
	var errorCodes []string
	for _, notice := range notices.Array() {
		n := int(notice.Get("totalNotices").Int())
		if !notice.Get("totalNotices").Exists() {
			n = 1
		}
		switch strings.ToUpper(notice.Get("severity").String()) {
		case "ERROR":
			report.Errors += n
			errorCodes = append(errorCodes, notice.Get("code").String())
		case "WARNING":
			report.Warnings += n
		case "INFO":
			report.Infos += n
		}
	}

	report.Message = fmt.Sprintf("%d errors, %d warnings, %d infos", report.Errors, report.Warnings, report.Infos)
	if len(errorCodes) > 0 {
		if len(errorCodes) > maxCodesInMessage {
			errorCodes = append(errorCodes[:maxCodesInMessage], "...")
		}
		report.Message += " (" + strings.Join(errorCodes, ", ") + ")"
	}
	return report, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
