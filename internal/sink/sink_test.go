package sink

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/nvandessel/anderson/internal/lattice"
)

func ptr[T any](v T) *T { return &v }

var fixedTime = time.Date(2025, 6, 24, 15, 4, 5, 0, time.UTC)

func runInto(t *testing.T, s evolution.Sink, n int, w, maxTime float64) *evolution.MemorySink {
	t.Helper()
	cfg := lattice.SimulationConfig{
		Size:          n,
		DisorderWidth: w,
		TimeStep:      0.01,
		MaxTime:       ptr(maxTime),
		Seed:          ptr(uint64(3)),
	}
	mem := &evolution.MemorySink{}
	_, err := evolution.Run(context.Background(), cfg, evolution.MultiSink{s, mem},
		evolution.Options{Now: func() time.Time { return fixedTime }})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return mem
}

func TestDatFileName(t *testing.T) {
	tests := []struct {
		w    float64
		want string
	}{
		{2.5, "spread_W2.5_20250624-150405.dat"},
		{1, "spread_W1_20250624-150405.dat"},
		{1.004, "spread_W1.004_20250624-150405.dat"},
		{1.001, "spread_W1.001_20250624-150405.dat"},
	}
	for _, tt := range tests {
		if got := DatFileName(evolution.Spread, tt.w, fixedTime); got != tt.want {
			t.Errorf("DatFileName(%g) = %q, want %q", tt.w, got, tt.want)
		}
	}
}

func TestDatSink_WritesFourSeries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	ds := NewDatSink(dir)
	mem := runInto(t, ds, 40, 1.5, 0.1)

	paths := ds.Paths()
	if len(paths) != 4 {
		t.Fatalf("got %d files, want 4: %v", len(paths), paths)
	}

	for i, o := range evolution.Observables {
		wantName := DatFileName(o, 1.5, fixedTime)
		if filepath.Base(paths[i]) != wantName {
			t.Errorf("file %d = %s, want %s", i, filepath.Base(paths[i]), wantName)
		}

		f, err := os.Open(paths[i])
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		rows, err := ReadDat(f)
		f.Close()
		if err != nil {
			t.Fatalf("ReadDat(%s): %v", o, err)
		}
		if len(rows) != len(mem.Samples) {
			t.Fatalf("%s: %d rows, want %d", o, len(rows), len(mem.Samples))
		}
		for j, row := range rows {
			s := mem.Samples[j]
			if math.Abs(row[0]-s.Time) > 5e-6 || math.Abs(row[1]-s.Value(o)) > 5e-6 {
				t.Errorf("%s row %d = %v, want (%v, %v)", o, j, row, s.Time, s.Value(o))
			}
		}
	}
}

func TestDatSink_RowFormat(t *testing.T) {
	dir := t.TempDir()
	ds := NewDatSink(dir)
	runInto(t, ds, 20, 0, 0.01)

	data, err := os.ReadFile(ds.Paths()[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), data)
	}
	if lines[0] != "0.00000 1.00000" {
		t.Errorf("first line = %q, want %q", lines[0], "0.00000 1.00000")
	}
	if !strings.HasPrefix(lines[1], "0.01000 0.99") {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestDatSink_SameSecondRunsKeepBothSeries(t *testing.T) {
	dir := t.TempDir()

	first := NewDatSink(dir)
	runInto(t, first, 11, 1, 0.02)
	second := NewDatSink(dir)
	runInto(t, second, 11, 1, 0.01)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 8 {
		t.Fatalf("got %d files, want 8", len(entries))
	}

	for i, o := range evolution.Observables {
		want := withSuffix(DatFileName(o, 1, fixedTime), 1)
		if got := filepath.Base(second.Paths()[i]); got != want {
			t.Errorf("second run %s file = %s, want %s", o, got, want)
		}
	}

	for _, tc := range []struct {
		path string
		rows int
	}{
		{first.Paths()[0], 3},
		{second.Paths()[0], 2},
	} {
		f, err := os.Open(tc.path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		rows, err := ReadDat(f)
		f.Close()
		if err != nil {
			t.Fatalf("ReadDat: %v", err)
		}
		if len(rows) != tc.rows {
			t.Errorf("%s: %d rows, want %d", filepath.Base(tc.path), len(rows), tc.rows)
		}
	}
}

func TestDatSink_PartialSetTaken(t *testing.T) {
	dir := t.TempDir()
	taken := filepath.Join(dir, DatFileName(evolution.MeanPosition, 3, fixedTime))
	if err := os.WriteFile(taken, []byte("keep\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ds := NewDatSink(dir)
	runInto(t, ds, 11, 3, 0.01)

	data, err := os.ReadFile(taken)
	if err != nil || string(data) != "keep\n" {
		t.Errorf("existing file changed: %q, %v", data, err)
	}
	for i, o := range evolution.Observables {
		want := withSuffix(DatFileName(o, 3, fixedTime), 1)
		if got := filepath.Base(ds.Paths()[i]); got != want {
			t.Errorf("%s file = %s, want %s", o, got, want)
		}
	}
	// Only the pre-existing file and one full set of four remain.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 5 {
		t.Errorf("got %d files, want 5", len(entries))
	}
}

func TestDatSink_WriteBeforeBegin(t *testing.T) {
	ds := NewDatSink(t.TempDir())
	if err := ds.Write(evolution.Sample{}); err == nil {
		t.Error("expected error writing to an unstarted sink")
	}
	if err := ds.End(); err != nil {
		t.Errorf("End on unstarted sink: %v", err)
	}
}

func TestReadDat_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"one field", "0.1\n"},
		{"three fields", "0.1 0.2 0.3\n"},
		{"bad time", "x 0.2\n"},
		{"bad value", "0.1 y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadDat(strings.NewReader(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}

	rows, err := ReadDat(strings.NewReader("\n0.00000 1.00000\n\n0.01000 0.50000\n"))
	if err != nil || len(rows) != 2 {
		t.Errorf("blank lines: got %v, %v", rows, err)
	}
}

func TestArrowSink_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	as := NewArrowSink(dir)
	mem := runInto(t, as, 30, 2, 0.2)

	if filepath.Base(as.Path()) != ArrowFileName(2, fixedTime) {
		t.Errorf("Path = %s", as.Path())
	}

	meta, samples, err := ReadArrow(as.Path())
	if err != nil {
		t.Fatalf("ReadArrow: %v", err)
	}
	if meta.Size != 30 || meta.DisorderWidth != 2 || meta.Seed != 3 || meta.TimeStep != 0.01 {
		t.Errorf("meta = %+v", meta)
	}
	if !meta.StartedAt.Equal(fixedTime) {
		t.Errorf("StartedAt = %v, want %v", meta.StartedAt, fixedTime)
	}
	if len(samples) != len(mem.Samples) {
		t.Fatalf("got %d samples, want %d", len(samples), len(mem.Samples))
	}
	for i := range samples {
		if samples[i] != mem.Samples[i] {
			t.Fatalf("sample %d = %+v, want %+v", i, samples[i], mem.Samples[i])
		}
	}
}

func TestArrowSink_SameSecondRunsKeepBothFiles(t *testing.T) {
	dir := t.TempDir()
	first := NewArrowSink(dir)
	runInto(t, first, 11, 2, 0.02)
	second := NewArrowSink(dir)
	runInto(t, second, 11, 2, 0.01)

	if first.Path() == second.Path() {
		t.Fatalf("both runs wrote %s", first.Path())
	}
	if want := withSuffix(ArrowFileName(2, fixedTime), 1); filepath.Base(second.Path()) != want {
		t.Errorf("second Path = %s, want %s", filepath.Base(second.Path()), want)
	}
	for _, tc := range []struct {
		path    string
		samples int
	}{
		{first.Path(), 3},
		{second.Path(), 2},
	} {
		_, samples, err := ReadArrow(tc.path)
		if err != nil {
			t.Fatalf("ReadArrow: %v", err)
		}
		if len(samples) != tc.samples {
			t.Errorf("%s: %d samples, want %d", filepath.Base(tc.path), len(samples), tc.samples)
		}
	}
}

func TestArrowFileSink_ExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.arrow")
	if err := os.WriteFile(path, []byte("keep"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	as := NewArrowFileSink(path)
	if err := as.Begin(evolution.RunMeta{Size: 3, StartedAt: fixedTime}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := as.Write(evolution.Sample{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := as.End(); !errors.Is(err, os.ErrExist) {
		t.Errorf("End error = %v, want os.ErrExist", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "keep" {
		t.Errorf("existing file changed: %q", data)
	}
}

func TestArrowFileSink_ExactPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.arrow")
	as := NewArrowFileSink(path)
	runInto(t, as, 10, 0, 0.03)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
	_, samples, err := ReadArrow(path)
	if err != nil {
		t.Fatalf("ReadArrow: %v", err)
	}
	if len(samples) != 4 {
		t.Errorf("got %d samples, want 4", len(samples))
	}
}
