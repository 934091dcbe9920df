package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/anderson/internal/evolution"
)

// Arrow column order.
const (
	colStep = iota
	colTime
	colReturn
	colParticipation
	colCentroid
	colSpread
)

var seriesFields = []arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "time", Type: arrow.PrimitiveTypes.Float64},
	{Name: "return_probability", Type: arrow.PrimitiveTypes.Float64},
	{Name: "participation", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mean_position", Type: arrow.PrimitiveTypes.Float64},
	{Name: "spread", Type: arrow.PrimitiveTypes.Float64},
}

// ArrowFileName returns "series_W<width>_<timestamp>.arrow".
func ArrowFileName(w float64, ts time.Time) string {
	return fmt.Sprintf("series_W%s_%s.arrow", widthLabel(w), ts.Format(TimestampLayout))
}

// ArrowSink buffers a run in column builders and writes a single Arrow IPC
// file on End. Run parameters travel as schema metadata.
type ArrowSink struct {
	dir     string
	path    string
	fixed   bool
	mem     memory.Allocator
	schema  *arrow.Schema
	builder *array.RecordBuilder
	now     func() time.Time
}

// NewArrowSink writes into dir.
func NewArrowSink(dir string) *ArrowSink {
	return &ArrowSink{dir: dir, mem: memory.NewGoAllocator(), now: time.Now}
}

// NewArrowFileSink writes to an exact path instead of a generated name.
// End fails if the path already exists.
func NewArrowFileSink(path string) *ArrowSink {
	return &ArrowSink{dir: filepath.Dir(path), path: path, fixed: true, mem: memory.NewGoAllocator(), now: time.Now}
}

// Path returns the output file. The generated name is known once Begin has
// run; it gains a -N suffix in End if another file took it meanwhile.
func (a *ArrowSink) Path() string { return a.path }

// Begin prepares the schema and builders.
func (a *ArrowSink) Begin(meta evolution.RunMeta) error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	ts := meta.StartedAt
	if ts.IsZero() {
		ts = a.now()
	}
	if !a.fixed {
		a.path = filepath.Join(a.dir, ArrowFileName(meta.DisorderWidth, ts))
	}

	md := arrow.NewMetadata(
		[]string{"size", "disorder_width", "sigma", "time_step", "max_time", "seed", "started_at"},
		[]string{
			strconv.Itoa(meta.Size),
			strconv.FormatFloat(meta.DisorderWidth, 'g', -1, 64),
			strconv.FormatFloat(meta.Sigma, 'g', -1, 64),
			strconv.FormatFloat(meta.TimeStep, 'g', -1, 64),
			strconv.FormatFloat(meta.MaxTime, 'g', -1, 64),
			strconv.FormatUint(meta.Seed, 10),
			ts.UTC().Format(time.RFC3339),
		},
	)
	a.schema = arrow.NewSchema(seriesFields, &md)
	a.builder = array.NewRecordBuilder(a.mem, a.schema)
	return nil
}

// Write appends one row.
func (a *ArrowSink) Write(s evolution.Sample) error {
	if a.builder == nil {
		return errors.New("arrow sink not started")
	}
	a.builder.Field(colStep).(*array.Int64Builder).Append(int64(s.Step))
	a.builder.Field(colTime).(*array.Float64Builder).Append(s.Time)
	a.builder.Field(colReturn).(*array.Float64Builder).Append(s.ReturnProbability)
	a.builder.Field(colParticipation).(*array.Float64Builder).Append(s.Participation)
	a.builder.Field(colCentroid).(*array.Float64Builder).Append(s.MeanPosition)
	a.builder.Field(colSpread).(*array.Float64Builder).Append(s.Spread)
	return nil
}

// End writes the buffered record to disk.
func (a *ArrowSink) End() error {
	if a.builder == nil {
		return nil
	}
	defer func() {
		a.builder.Release()
		a.builder = nil
	}()

	rec := a.builder.NewRecord()
	defer rec.Release()

	f, err := a.create()
	if err != nil {
		return err
	}

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(a.schema), ipc.WithAllocator(a.mem))
	if err != nil {
		f.Close()
		return fmt.Errorf("opening arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("writing arrow record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("closing arrow writer: %w", err)
	}
	return f.Close()
}

// create opens the output file without clobbering an existing one.
func (a *ArrowSink) create() (*os.File, error) {
	if a.fixed {
		f, err := createNew(a.path)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", filepath.Base(a.path), err)
		}
		return f, nil
	}
	base := filepath.Base(a.path)
	for n := 0; n < maxNameAttempts; n++ {
		path := filepath.Join(a.dir, withSuffix(base, n))
		f, err := createNew(path)
		if err == nil {
			a.path = path
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating %s: %w", filepath.Base(path), err)
		}
	}
	return nil, fmt.Errorf("no free file name for %s in %s", base, a.dir)
}

// ReadArrow loads the samples and metadata written by an ArrowSink.
func ReadArrow(path string) (evolution.RunMeta, []evolution.Sample, error) {
	var meta evolution.RunMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, nil, fmt.Errorf("opening arrow file: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return meta, nil, fmt.Errorf("reading arrow file: %w", err)
	}
	defer r.Close()

	meta = metaFromSchema(r.Schema())

	var samples []evolution.Sample
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return meta, nil, fmt.Errorf("reading record %d: %w", i, err)
		}
		if int(rec.NumCols()) != len(seriesFields) {
			return meta, nil, fmt.Errorf("record %d has %d columns, want %d", i, rec.NumCols(), len(seriesFields))
		}
		steps := rec.Column(colStep).(*array.Int64)
		times := rec.Column(colTime).(*array.Float64)
		ret := rec.Column(colReturn).(*array.Float64)
		part := rec.Column(colParticipation).(*array.Float64)
		cen := rec.Column(colCentroid).(*array.Float64)
		spr := rec.Column(colSpread).(*array.Float64)
		for row := 0; row < int(rec.NumRows()); row++ {
			samples = append(samples, evolution.Sample{
				Step:              int(steps.Value(row)),
				Time:              times.Value(row),
				ReturnProbability: ret.Value(row),
				Participation:     part.Value(row),
				MeanPosition:      cen.Value(row),
				Spread:            spr.Value(row),
			})
		}
	}
	return meta, samples, nil
}

func metaFromSchema(schema *arrow.Schema) evolution.RunMeta {
	var meta evolution.RunMeta
	md := schema.Metadata()
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	meta.Size, _ = strconv.Atoi(get("size"))
	meta.DisorderWidth, _ = strconv.ParseFloat(get("disorder_width"), 64)
	meta.Sigma, _ = strconv.ParseFloat(get("sigma"), 64)
	meta.TimeStep, _ = strconv.ParseFloat(get("time_step"), 64)
	meta.MaxTime, _ = strconv.ParseFloat(get("max_time"), 64)
	meta.Seed, _ = strconv.ParseUint(get("seed"), 10, 64)
	meta.StartedAt, _ = time.Parse(time.RFC3339, get("started_at"))
	return meta
}
