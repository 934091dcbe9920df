// Package sink persists the time series of a run. Every type here
// implements evolution.Sink.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/anderson/internal/evolution"
)

// TimestampLayout is the creation-time stamp embedded in file names.
const TimestampLayout = "20060102-150405"

// maxNameAttempts bounds the -N suffixes tried when a file name is taken.
const maxNameAttempts = 1000

// DatFileName returns "<observable>_W<width>_<timestamp>.dat". The width is
// written in full so that distinct widths never share a name.
func DatFileName(o evolution.Observable, w float64, ts time.Time) string {
	return fmt.Sprintf("%s_W%s_%s.dat", o, widthLabel(w), ts.Format(TimestampLayout))
}

func widthLabel(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

// withSuffix inserts "-n" before the extension. n == 0 leaves name as is.
func withSuffix(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}

// createNew opens path for writing and fails with os.ErrExist rather than
// truncating a file that is already there.
func createNew(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
}

// DatSink writes one plain-text file per observable. Each row is
// "time value" with five decimals.
type DatSink struct {
	dir     string
	now     func() time.Time
	files   [4]*os.File
	writers [4]*bufio.Writer
	paths   [4]string
}

// NewDatSink writes into dir, creating it on Begin if needed.
func NewDatSink(dir string) *DatSink {
	return &DatSink{dir: dir, now: time.Now}
}

// Begin creates the four output files. Existing files are never
// overwritten: when any of the four names is taken, the whole set moves to
// the next free -N suffix so the files of one run stay together.
func (d *DatSink) Begin(meta evolution.RunMeta) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	ts := meta.StartedAt
	if ts.IsZero() {
		ts = d.now()
	}

	for n := 0; n < maxNameAttempts; n++ {
		err := d.createSet(meta.DisorderWidth, ts, n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
	}
	return fmt.Errorf("no free file name for W=%s at %s in %s", widthLabel(meta.DisorderWidth), ts.Format(TimestampLayout), d.dir)
}

// createSet creates all four files with suffix n. On failure it removes the
// files it created so a later attempt starts clean.
func (d *DatSink) createSet(w float64, ts time.Time, n int) error {
	for i, o := range evolution.Observables {
		path := filepath.Join(d.dir, withSuffix(DatFileName(o, w, ts), n))
		f, err := createNew(path)
		if err != nil {
			d.discardAll()
			return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
		}
		d.files[i] = f
		d.writers[i] = bufio.NewWriter(f)
		d.paths[i] = path
	}
	return nil
}

// Write appends one row to each file.
func (d *DatSink) Write(s evolution.Sample) error {
	for i, r := range s.Records() {
		if d.writers[i] == nil {
			return fmt.Errorf("dat sink not started")
		}
		if _, err := fmt.Fprintf(d.writers[i], "%.5f %.5f\n", r.Time, r.Value); err != nil {
			return fmt.Errorf("writing %s: %w", r.Observable, err)
		}
	}
	return nil
}

// End flushes and closes every file.
func (d *DatSink) End() error {
	var errs []error
	for i := range d.writers {
		if d.writers[i] == nil {
			continue
		}
		if err := d.writers[i].Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", filepath.Base(d.paths[i]), err))
		}
	}
	errs = append(errs, d.closeAll())
	return errors.Join(errs...)
}

// Paths returns the files created by Begin, in evolution.Observables order.
func (d *DatSink) Paths() []string {
	out := make([]string, 0, len(d.paths))
	for _, p := range d.paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// discardAll closes and deletes files from a partially created set.
func (d *DatSink) discardAll() {
	d.closeAll()
	for i, p := range d.paths {
		if p != "" {
			os.Remove(p)
		}
		d.paths[i] = ""
	}
}

func (d *DatSink) closeAll() error {
	var errs []error
	for i, f := range d.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		d.files[i] = nil
		d.writers[i] = nil
	}
	return errors.Join(errs...)
}

// ReadDat parses a two-column .dat series.
func ReadDat(r io.Reader) ([][2]float64, error) {
	var rows [][2]float64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected 2 fields, got %d", line, len(fields))
		}
		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing time: %w", line, err)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing value: %w", line, err)
		}
		rows = append(rows, [2]float64{t, v})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading series: %w", err)
	}
	return rows, nil
}
