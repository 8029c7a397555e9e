package timing

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/pkg/atomicfile"
)

const (
	// IDColumn is the first column of every report.
	IDColumn = "registration_id"

	secondsSuffix = "_seconds"
)

// DetailIntervals are the per-phase intervals reported next to the phase
// totals.
var DetailIntervals = []string{"conversation", "artifact_write", "capacity_update"}

// Report is a CSV file with one row per registration. The header starts with
// registration_id and the configured columns; columns first seen in later
// rows are appended and earlier rows padded with empty cells.
type Report struct {
	path    string
	columns []string

	mu sync.Mutex
}

// NewReport returns a report at path whose header begins with columns.
func NewReport(path string, columns []string) *Report {
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, Column(c))
	}
	return &Report{path: path, columns: cols}
}

// Path returns the report location.
func (r *Report) Path() string { return r.path }

// Column normalises a timing key into a report column name.
func Column(key string) string {
	if strings.HasSuffix(key, secondsSuffix) {
		return key
	}
	return key + secondsSuffix
}

// Init writes the header when the file does not exist yet.
func (r *Report) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", r.path, err)
	}
	return r.write(append([]string{IDColumn}, r.columns...), nil)
}

// Upsert records values for registrationID, replacing an existing row's
// cells for the given columns or appending a new row.
func (r *Report) Upsert(registrationID string, values map[string]time.Duration) error {
	if registrationID == "" {
		return errors.New("timing report: empty registration id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	header, rows, err := r.read()
	if err != nil {
		return err
	}
	if len(header) == 0 {
		header = append([]string{IDColumn}, r.columns...)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col := Column(k)
		if _, ok := index[col]; !ok {
			index[col] = len(header)
			header = append(header, col)
		}
	}

	target := -1
	for i := range rows {
		rows[i] = pad(rows[i], len(header))
		if target < 0 && rows[i][0] == registrationID {
			target = i
		}
	}
	if target < 0 {
		row := make([]string, len(header))
		row[0] = registrationID
		rows = append(rows, row)
		target = len(rows) - 1
	}
	for _, k := range keys {
		rows[target][index[Column(k)]] = seconds(values[k])
	}
	return r.write(header, rows)
}

// Read returns the header and rows currently on disk.
func (r *Report) Read() ([]string, [][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *Report) read() ([]string, [][]string, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", r.path, err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", r.path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

func (r *Report) write(header []string, rows [][]string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", r.path, err)
	}
	return atomicfile.Write(r.path, buf.Bytes(), 0o644)
}

// Values flattens a TimingRecord into report cells. Each phase total goes to
// the matching entry of columns (by phase position); the detail intervals go
// to "<phase>_<interval>". Phases without a configured column fall back to
// "<phase>_total".
func Values(rec domain.TimingRecord, columns []string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for i, pt := range rec.Phases {
		col := pt.Phase + "_total"
		if i < len(columns) && columns[i] != "" {
			col = columns[i]
		}
		out[Column(col)] = pt.Total
		for _, name := range DetailIntervals {
			if d, ok := pt.Intervals[name]; ok {
				out[Column(pt.Phase+"_"+name)] = d
			}
		}
	}
	return out
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func pad(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	return row
}
