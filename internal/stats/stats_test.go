package stats

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AggregatesPerNameAndInTotal(t *testing.T) {
	s := NewRequestStats()
	s.Log("login", 100*time.Millisecond, nil)
	s.Log("login", 300*time.Millisecond, nil)
	s.Log("browse", 50*time.Millisecond, errors.New("timeout"))

	total := s.Total()
	assert.Equal(t, int64(3), total.NumRequests)
	assert.Equal(t, int64(1), total.NumFailures)
	assert.Equal(t, int64(50), total.MinResponseTime)
	assert.Equal(t, int64(300), total.MaxResponseTime)
}

func TestLog_CountsDistinctErrorsPerName(t *testing.T) {
	s := NewRequestStats()
	s.Log("browse", time.Millisecond, errors.New("timeout"))
	s.Log("browse", time.Millisecond, errors.New("timeout"))
	s.Log("browse", time.Millisecond, errors.New("refused"))
	s.Log("login", time.Millisecond, errors.New("timeout"))

	records := s.sortedErrors()
	require.Len(t, records, 3)
	assert.Equal(t, int64(2), records[0].Occurrences)
	assert.Equal(t, "browse", records[0].Name)
	assert.Equal(t, "timeout", records[0].Error)
}

func TestAvgResponseTime(t *testing.T) {
	e := newEntry("x")
	assert.Equal(t, 0.0, e.AvgResponseTime())

	e.log(100, false)
	e.log(200, false)
	assert.Equal(t, 150.0, e.AvgResponseTime())
}

func TestPercentile(t *testing.T) {
	e := newEntry("x")
	for i := int64(1); i <= 10; i++ {
		e.log(i*10, false)
	}
	assert.Equal(t, int64(50), e.Percentile(0.5))
	assert.Equal(t, int64(90), e.Percentile(0.9))
	assert.Equal(t, int64(100), e.Percentile(1.0))
}

func TestRoundedResponseTime(t *testing.T) {
	assert.Equal(t, int64(57), roundedResponseTime(57))
	assert.Equal(t, int64(570), roundedResponseTime(567))
	assert.Equal(t, int64(5700), roundedResponseTime(5678))
	assert.Equal(t, int64(57000), roundedResponseTime(56789))
}

func TestPrint_RendersSummaryTable(t *testing.T) {
	s := NewRequestStats()
	s.Log("login", 100*time.Millisecond, nil)

	var buf bytes.Buffer
	s.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "login")
	assert.Contains(t, out, "Aggregated")
	assert.Contains(t, out, "# reqs")
}

func TestPrintErrorReport_OmittedWhenNoErrors(t *testing.T) {
	s := NewRequestStats()
	s.Log("login", time.Millisecond, nil)

	var buf bytes.Buffer
	s.PrintErrorReport(&buf)
	assert.Empty(t, buf.String())

	s.Log("login", time.Millisecond, errors.New("boom"))
	s.PrintErrorReport(&buf)
	assert.Contains(t, buf.String(), "boom")
}

func TestWriteJSON_ToWriter(t *testing.T) {
	s := NewRequestStats()
	s.Log("login", 100*time.Millisecond, errors.New("boom"))

	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON("", &buf))

	var report struct {
		Stats  []Entry       `json:"stats"`
		Total  Entry         `json:"total"`
		Errors []ErrorRecord `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	require.Len(t, report.Stats, 1)
	assert.Equal(t, "login", report.Stats[0].Name)
	assert.Equal(t, int64(1), report.Total.NumFailures)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "boom", report.Errors[0].Error)
}

func TestWriteJSON_ToFile(t *testing.T) {
	s := NewRequestStats()
	s.Log("login", 100*time.Millisecond, nil)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, s.WriteJSON(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"name": "login"`))
}

func TestSample_RecordsHistory(t *testing.T) {
	s := NewRequestStats()
	s.UserCountFn = func() int { return 7 }
	s.Log("login", time.Millisecond, nil)
	s.Sample()
	s.Sample()

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, 7, history[0].UserCount)
	assert.Equal(t, int64(1), history[0].NumRequests)
}
