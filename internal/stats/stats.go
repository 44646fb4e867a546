// Package stats aggregates request statistics for a load test run and
// renders the console summary, percentile breakdown, error report, JSON
// output and CSV files.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// PercentilesToReport are the percentiles included in the percentile
// breakdown and CSV output.
var PercentilesToReport = []float64{0.50, 0.66, 0.75, 0.80, 0.90, 0.95, 0.98, 0.99, 0.999, 0.9999, 1.0}

// roundedResponseTime bucket granularity depends on magnitude so the
// percentile table stays small regardless of run length.
func roundedResponseTime(ms int64) int64 {
	switch {
	case ms < 100:
		return ms
	case ms < 1000:
		return (ms + 5) / 10 * 10
	case ms < 10000:
		return (ms + 50) / 100 * 100
	default:
		return (ms + 500) / 1000 * 1000
	}
}

// Entry holds the aggregated statistics for one named request.
type Entry struct {
	Name              string          `json:"name"`
	NumRequests       int64           `json:"numRequests"`
	NumFailures       int64           `json:"numFailures"`
	TotalResponseTime int64           `json:"totalResponseTimeMs"`
	MinResponseTime   int64           `json:"minResponseTimeMs"`
	MaxResponseTime   int64           `json:"maxResponseTimeMs"`
	ResponseTimes     map[int64]int64 `json:"-"`
}

func newEntry(name string) *Entry {
	return &Entry{Name: name, MinResponseTime: -1, ResponseTimes: map[int64]int64{}}
}

func (e *Entry) log(responseTimeMs int64, failed bool) {
	e.NumRequests++
	if failed {
		e.NumFailures++
	}
	e.TotalResponseTime += responseTimeMs
	if e.MinResponseTime < 0 || responseTimeMs < e.MinResponseTime {
		e.MinResponseTime = responseTimeMs
	}
	if responseTimeMs > e.MaxResponseTime {
		e.MaxResponseTime = responseTimeMs
	}
	e.ResponseTimes[roundedResponseTime(responseTimeMs)]++
}

// AvgResponseTime in milliseconds, 0 when no requests were made.
func (e *Entry) AvgResponseTime() float64 {
	if e.NumRequests == 0 {
		return 0
	}
	return float64(e.TotalResponseTime) / float64(e.NumRequests)
}

// Percentile returns the response time in ms below which the given fraction
// of requests completed.
func (e *Entry) Percentile(p float64) int64 {
	if e.NumRequests == 0 {
		return 0
	}
	threshold := int64(float64(e.NumRequests)*p + 0.5)
	if threshold < 1 {
		threshold = 1
	}
	buckets := make([]int64, 0, len(e.ResponseTimes))
	for rt := range e.ResponseTimes {
		buckets = append(buckets, rt)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	var seen int64
	for _, rt := range buckets {
		seen += e.ResponseTimes[rt]
		if seen >= threshold {
			return rt
		}
	}
	return e.MaxResponseTime
}

// ErrorRecord counts occurrences of one distinct error per request name.
type ErrorRecord struct {
	Name        string `json:"name"`
	Error       string `json:"error"`
	Occurrences int64  `json:"occurrences"`
}

// HistorySample is one row of the periodic stats history.
type HistorySample struct {
	Timestamp   time.Time `json:"timestamp"`
	UserCount   int       `json:"userCount"`
	NumRequests int64     `json:"numRequests"`
	NumFailures int64     `json:"numFailures"`
}

// RequestStats is the process-wide statistics collector. Safe for use from
// many user goroutines.
type RequestStats struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	total     *Entry
	errors    map[string]*ErrorRecord
	history   []HistorySample
	startTime time.Time

	// UserCountFn reports the current simulated user count for history
	// samples; optional.
	UserCountFn func() int
}

func NewRequestStats() *RequestStats {
	return &RequestStats{
		entries:   map[string]*Entry{},
		total:     newEntry("Aggregated"),
		errors:    map[string]*ErrorRecord{},
		startTime: time.Now(),
	}
}

// Log records the outcome of one request.
func (s *RequestStats) Log(name string, responseTime time.Duration, err error) {
	ms := responseTime.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		entry = newEntry(name)
		s.entries[name] = entry
	}
	entry.log(ms, err != nil)
	s.total.log(ms, err != nil)
	if err != nil {
		key := name + "|" + err.Error()
		record, ok := s.errors[key]
		if !ok {
			record = &ErrorRecord{Name: name, Error: err.Error()}
			s.errors[key] = record
		}
		record.Occurrences++
	}
}

func (s *RequestStats) sortedEntries() []*Entry {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, s.entries[name])
	}
	return entries
}

// Total returns a copy of the aggregated entry.
func (s *RequestStats) Total() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.total
}

// Print writes the summary table.
func (s *RequestStats) Print(out io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	elapsed := time.Since(s.startTime).Seconds()
	fmt.Fprintf(w, "Name\t# reqs\t# fails\tAvg\tMin\tMax\treq/s\n")
	fmt.Fprintf(w, "----\t------\t-------\t---\t---\t---\t-----\n")
	for _, e := range append(s.sortedEntries(), s.total) {
		rps := 0.0
		if elapsed > 0 {
			rps = float64(e.NumRequests) / elapsed
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t%d\t%d\t%.2f\n",
			e.Name, e.NumRequests, e.NumFailures, e.AvgResponseTime(),
			max64(e.MinResponseTime, 0), e.MaxResponseTime, rps)
	}
}

// PrintPercentiles writes the percentile breakdown table.
func (s *RequestStats) PrintPercentiles(out io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Response time percentiles (approximated)\n")
	fmt.Fprintf(w, "Name\t")
	for _, p := range PercentilesToReport {
		fmt.Fprintf(w, "%v%%\t", p*100)
	}
	fmt.Fprintf(w, "# reqs\n")
	for _, e := range append(s.sortedEntries(), s.total) {
		fmt.Fprintf(w, "%s\t", e.Name)
		for _, p := range PercentilesToReport {
			fmt.Fprintf(w, "%d\t", e.Percentile(p))
		}
		fmt.Fprintf(w, "%d\n", e.NumRequests)
	}
}

// PrintErrorReport writes the distinct errors seen, if any.
func (s *RequestStats) PrintErrorReport(out io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Error report\n# occurrences\tError\n")
	for _, record := range s.sortedErrors() {
		fmt.Fprintf(w, "%d\t%s: %s\n", record.Occurrences, record.Name, record.Error)
	}
}

func (s *RequestStats) sortedErrors() []*ErrorRecord {
	records := make([]*ErrorRecord, 0, len(s.errors))
	for _, record := range s.errors {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Occurrences > records[j].Occurrences
	})
	return records
}

type jsonReport struct {
	Entries []*Entry       `json:"stats"`
	Total   *Entry         `json:"total"`
	Errors  []*ErrorRecord `json:"errors"`
}

// ToJSON renders the full statistics as JSON.
func (s *RequestStats) ToJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := jsonReport{
		Entries: s.sortedEntries(),
		Total:   s.total,
		Errors:  s.sortedErrors(),
	}
	return json.MarshalIndent(report, "", "  ")
}

// WriteJSON emits statistics as JSON to the given file, or to out when the
// path is empty.
func (s *RequestStats) WriteJSON(path string, out io.Writer) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Sample appends a snapshot to the stats history.
func (s *RequestStats) Sample() {
	userCount := 0
	if s.UserCountFn != nil {
		userCount = s.UserCountFn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistorySample{
		Timestamp:   time.Now(),
		UserCount:   userCount,
		NumRequests: s.total.NumRequests,
		NumFailures: s.total.NumFailures,
	})
}

// History returns the collected samples.
func (s *RequestStats) History() []HistorySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistorySample, len(s.history))
	copy(out, s.history)
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
