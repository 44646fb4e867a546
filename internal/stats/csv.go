package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// CSVWriter periodically writes request statistics to <prefix>_stats.csv and
// <prefix>_failures.csv, and optionally appends per-interval rows to
// <prefix>_stats_history.csv.
type CSVWriter struct {
	stats       *RequestStats
	prefix      string
	fullHistory bool
	historyRows int
}

func NewCSVWriter(stats *RequestStats, prefix string, fullHistory bool) (*CSVWriter, error) {
	if dir := filepath.Dir(prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &CSVWriter{stats: stats, prefix: prefix, fullHistory: fullHistory}, nil
}

// Write renders the current statistics. Called periodically and once more
// during shutdown so the files always reflect the final state.
func (w *CSVWriter) Write() error {
	if err := w.writeStats(); err != nil {
		return err
	}
	if err := w.writeFailures(); err != nil {
		return err
	}
	if w.fullHistory {
		return w.appendHistory()
	}
	return nil
}

func (w *CSVWriter) writeStats() error {
	f, err := os.Create(w.prefix + "_stats.csv")
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()
	header := []string{"Name", "Request Count", "Failure Count", "Average Response Time", "Min Response Time", "Max Response Time"}
	for _, p := range PercentilesToReport {
		header = append(header, fmt.Sprintf("%v%%", p*100))
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	// Rows are rendered under the stats lock; user goroutines mutate the
	// entries concurrently.
	w.stats.mu.Lock()
	entries := append(w.stats.sortedEntries(), w.stats.total)
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{
			e.Name,
			strconv.FormatInt(e.NumRequests, 10),
			strconv.FormatInt(e.NumFailures, 10),
			fmt.Sprintf("%.2f", e.AvgResponseTime()),
			strconv.FormatInt(max64(e.MinResponseTime, 0), 10),
			strconv.FormatInt(e.MaxResponseTime, 10),
		}
		for _, p := range PercentilesToReport {
			row = append(row, strconv.FormatInt(e.Percentile(p), 10))
		}
		rows = append(rows, row)
	}
	w.stats.mu.Unlock()

	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

func (w *CSVWriter) writeFailures() error {
	f, err := os.Create(w.prefix + "_failures.csv")
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()
	if err := cw.Write([]string{"Name", "Error", "Occurrences"}); err != nil {
		return err
	}
	w.stats.mu.Lock()
	records := w.stats.sortedErrors()
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{record.Name, record.Error, strconv.FormatInt(record.Occurrences, 10)})
	}
	w.stats.mu.Unlock()

	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

func (w *CSVWriter) appendHistory() error {
	path := w.prefix + "_stats_history.csv"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()
	samples := w.stats.History()
	if w.historyRows == 0 {
		if err := cw.Write([]string{"Timestamp", "User Count", "Total Request Count", "Total Failure Count"}); err != nil {
			return err
		}
	}
	for _, sample := range samples[w.historyRows:] {
		row := []string{
			strconv.FormatInt(sample.Timestamp.Unix(), 10),
			strconv.Itoa(sample.UserCount),
			strconv.FormatInt(sample.NumRequests, 10),
			strconv.FormatInt(sample.NumFailures, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	w.historyRows = len(samples)
	return cw.Error()
}
