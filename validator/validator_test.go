package validator

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `{
  "summary": {"validatorVersion": "4.2.0"},
  "notices": [
    {"code": "foreign_key_violation", "severity": "ERROR", "totalNotices": 3},
    {"code": "unusable_trip", "severity": "WARNING", "totalNotices": 2},
    {"code": "unknown_column", "severity": "INFO", "totalNotices": 4},
    {"code": "missing_feed_info_date", "severity": "warning"}
  ]
}`

func TestParseReport(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Errors)
	assert.Equal(t, 3, report.Warnings)
	assert.Equal(t, 4, report.Infos)
	assert.Equal(t, "3 errors, 3 warnings, 4 infos (foreign_key_violation)", report.Message)
}

func TestParseReportEmpty(t *testing.T) {
	report, err := ParseReport([]byte(`{"notices": []}`))
	require.NoError(t, err)
	assert.Equal(t, "0 errors, 0 warnings, 0 infos", report.Message)
}

func TestParseReportTruncatesCodes(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"notices": [`)
	for i, code := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"code": "` + code + `", "severity": "ERROR", "totalNotices": 1}`)
	}
	b.WriteString("]}")

	report, err := ParseReport([]byte(b.String()))
	require.NoError(t, err)
	assert.Equal(t, 7, report.Errors)
	assert.Equal(t, "7 errors, 0 warnings, 0 infos (a, b, c, d, e, ...)", report.Message)
}

func TestParseReportRejectsGarbage(t *testing.T) {
	_, err := ParseReport([]byte("not json"))
	assert.Error(t, err)
	_, err = ParseReport([]byte(`{"summary": {}}`))
	assert.Error(t, err)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh available")
	}
}

func TestRunner(t *testing.T) {
	requireShell(t)
	r := &Runner{
		Command: "sh",
		Args: []string{"-c", `test -s "$0" && printf '%s' "$2" > "$1/report.json"`,
			"{input}", "{output}", sampleReport},
	}

	report, err := r.Validate(context.Background(), []byte("PK fake zip"))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Errors)
	assert.Positive(t, report.Duration)
}

func TestRunnerFailure(t *testing.T) {
	requireShell(t)

	r := &Runner{Command: "sh", Args: []string{"-c", "echo cannot read feed >&2; exit 3"}}
	_, err := r.Validate(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read feed")

	r = &Runner{Command: "sh", Args: []string{"-c", "true"}}
	_, err = r.Validate(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report")

	_, err = (&Runner{}).Validate(context.Background(), nil)
	assert.Error(t, err)
}

func TestRunnerTimeout(t *testing.T) {
	requireShell(t)

	r := &Runner{Command: "sh", Args: []string{"-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond}
	_, err := r.Validate(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("  short\n", 10))
	assert.Equal(t, "...6789", tail("0123456789", 4))
}
