package mcp

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/ratelimit"
	"github.com/nvandessel/anderson/internal/store"
)

func float64Ptr(v float64) *float64 { return &v }
func uint64Ptr(v uint64) *uint64    { return &v }

// shortRun returns a small, fast, reproducible run request.
func shortRun() RunInput {
	return RunInput{
		Size:          40,
		DisorderWidth: 1.5,
		MaxTime:       float64Ptr(0.2),
		Seed:          uint64Ptr(11),
	}
}

func TestHandleRun_Basic(t *testing.T) {
	server, _ := setupTestServer(t)

	ctx := context.Background()
	result, output, err := server.handleRun(ctx, &sdk.CallToolRequest{}, shortRun())
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}
	if result != nil {
		t.Error("Expected nil result (SDK auto-populates)")
	}

	if output.Seed != 11 {
		t.Errorf("Seed = %d, want 11", output.Seed)
	}
	if output.Steps != 20 {
		t.Errorf("Steps = %d, want 20", output.Steps)
	}
	if output.RunID != "" {
		t.Errorf("RunID = %q, want empty without persist", output.RunID)
	}
	if len(output.Files) != 0 {
		t.Errorf("Files = %v, want none without output_dir", output.Files)
	}
	if output.NormDrift > 1e-6 {
		t.Errorf("NormDrift = %g, want < 1e-6", output.NormDrift)
	}
	if output.Final.ReturnProbability <= 0 || output.Final.ReturnProbability >= 1 {
		t.Errorf("ReturnProbability = %g, want in (0, 1)", output.Final.ReturnProbability)
	}
	if !strings.Contains(output.Message, "seed 11") {
		t.Errorf("Message = %q, want it to mention the seed", output.Message)
	}
}

func TestHandleRun_Deterministic(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	_, first, err := server.handleRun(ctx, &sdk.CallToolRequest{}, shortRun())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, second, err := server.handleRun(ctx, &sdk.CallToolRequest{}, shortRun())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Final != second.Final {
		t.Errorf("same seed gave different observables: %+v vs %+v", first.Final, second.Final)
	}
}

func TestHandleRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		input RunInput
	}{
		{"zero size", RunInput{Size: 0}},
		{"negative disorder", RunInput{Size: 10, DisorderWidth: -1}},
		{"negative sigma", RunInput{Size: 10, Sigma: -0.5}},
		{"negative time step", RunInput{Size: 10, TimeStep: -0.01}},
		{"negative horizon", RunInput{Size: 10, MaxTime: float64Ptr(-1)}},
		{"infinite horizon", RunInput{Size: 11, MaxTime: float64Ptr(math.Inf(1))}},
		{"horizon beyond step count", RunInput{Size: 11, MaxTime: float64Ptr(1e20)}},
		{"size above server limit", RunInput{Size: maxRunSize + 1, MaxTime: float64Ptr(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t)
			_, _, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, tt.input)
			if !errors.Is(err, lattice.ErrInvalidConfiguration) {
				t.Errorf("error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestHandleRun_WorkBudget(t *testing.T) {
	server, _ := setupTestServer(t)

	// the largest allowed chain to t = 1e4 is far beyond the budget
	_, _, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, RunInput{
		Size:    maxRunSize,
		MaxTime: float64Ptr(1e4),
	})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestHandleRun_RateLimited(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	// Burst is 3
	for i := 0; i < 3; i++ {
		if _, _, err := server.handleRun(ctx, &sdk.CallToolRequest{}, shortRun()); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	_, _, err := server.handleRun(ctx, &sdk.CallToolRequest{}, shortRun())
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("4th run error = %v, want ErrRateLimited", err)
	}
}

func TestHandleRun_DatOutput(t *testing.T) {
	server, tmpDir := setupTestServer(t)

	in := shortRun()
	in.OutputDir = filepath.Join(tmpDir, "out", "dat")
	_, output, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}

	if len(output.Files) != 4 {
		t.Fatalf("Files = %v, want 4 series files", output.Files)
	}
	for _, f := range output.Files {
		if !strings.HasPrefix(f, ".../dat/") {
			t.Errorf("file %q should be redacted to .../dat/<name>", f)
		}
	}

	entries, err := os.ReadDir(in.OutputDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("output dir holds %d files, want 4", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".dat") || !strings.Contains(e.Name(), "_W1.5_") {
			t.Errorf("unexpected file name %q", e.Name())
		}
	}
}

func TestHandleRun_ArrowOutput(t *testing.T) {
	server, tmpDir := setupTestServer(t)

	in := shortRun()
	in.OutputDir = filepath.Join(tmpDir, "out")
	in.Format = "arrow"
	_, output, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}
	if len(output.Files) != 1 || !strings.HasSuffix(output.Files[0], ".arrow") {
		t.Errorf("Files = %v, want one .arrow file", output.Files)
	}
}

func TestHandleRun_InvalidFormat(t *testing.T) {
	server, tmpDir := setupTestServer(t)

	in := shortRun()
	in.OutputDir = filepath.Join(tmpDir, "out")
	in.Format = "csv"
	_, _, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, in)
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Errorf("error = %v, want invalid format", err)
	}
}

func TestHandleRun_OutputDirOutsideAllowed(t *testing.T) {
	server, _ := setupTestServer(t)

	in := shortRun()
	in.OutputDir = t.TempDir()
	_, _, err := server.handleRun(context.Background(), &sdk.CallToolRequest{}, in)
	if err == nil || !strings.Contains(err.Error(), "outside allowed directories") {
		t.Errorf("error = %v, want path validation failure", err)
	}
	entries, _ := os.ReadDir(in.OutputDir)
	if len(entries) != 0 {
		t.Errorf("rejected output dir was written to: %v", entries)
	}
}

func TestHandleRun_PersistRunsAndSeries(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	in := shortRun()
	in.Persist = true
	_, runOut, err := server.handleRun(ctx, &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}
	if !strings.HasPrefix(runOut.RunID, "run-") {
		t.Fatalf("RunID = %q, want run- prefix", runOut.RunID)
	}
	if !strings.Contains(runOut.Message, runOut.RunID) {
		t.Errorf("Message = %q, want it to mention the run ID", runOut.Message)
	}

	_, runsOut, err := server.handleRuns(ctx, &sdk.CallToolRequest{}, RunsInput{})
	if err != nil {
		t.Fatalf("handleRuns failed: %v", err)
	}
	if runsOut.Count != 1 || len(runsOut.Runs) != 1 {
		t.Fatalf("Count = %d, want 1", runsOut.Count)
	}
	item := runsOut.Runs[0]
	if item.ID != runOut.RunID {
		t.Errorf("ID = %q, want %q", item.ID, runOut.RunID)
	}
	if item.Status != string(store.StatusCompleted) {
		t.Errorf("Status = %q, want completed", item.Status)
	}
	if item.Size != 40 || item.Seed != 11 || item.Steps != 20 {
		t.Errorf("item = %+v, want size 40, seed 11, 20 steps", item)
	}

	_, seriesOut, err := server.handleSeries(ctx, &sdk.CallToolRequest{}, SeriesInput{
		RunID:      runOut.RunID,
		Observable: "spread",
	})
	if err != nil {
		t.Fatalf("handleSeries failed: %v", err)
	}
	// t = 0 plus one sample per step
	if seriesOut.Count != 21 {
		t.Fatalf("Count = %d, want 21", seriesOut.Count)
	}
	if seriesOut.Observable != "spread" {
		t.Errorf("Observable = %q, want spread", seriesOut.Observable)
	}
	if seriesOut.Points[0].Time != 0 || seriesOut.Points[0].Value != 0 {
		t.Errorf("first point = %+v, want a delta packet at t=0", seriesOut.Points[0])
	}
	last := seriesOut.Points[len(seriesOut.Points)-1]
	if last.Value != runOut.Final.Spread {
		t.Errorf("last stored spread = %g, want final %g", last.Value, runOut.Final.Spread)
	}
	for i := 1; i < len(seriesOut.Points); i++ {
		if seriesOut.Points[i].Time <= seriesOut.Points[i-1].Time {
			t.Fatalf("points not chronological at %d", i)
		}
	}

	_, strided, err := server.handleSeries(ctx, &sdk.CallToolRequest{}, SeriesInput{
		RunID:      runOut.RunID,
		Observable: "return",
		Stride:     5,
	})
	if err != nil {
		t.Fatalf("handleSeries with stride failed: %v", err)
	}
	// steps 0, 5, 10, 15, 20
	if strided.Count != 5 {
		t.Errorf("strided Count = %d, want 5", strided.Count)
	}
	if strided.Points[0].Value != 1 {
		t.Errorf("return probability at t=0 = %g, want 1", strided.Points[0].Value)
	}
}

func TestHandleRuns_Limit(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		in := shortRun()
		in.Persist = true
		if _, _, err := server.handleRun(ctx, &sdk.CallToolRequest{}, in); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	_, out, err := server.handleRuns(ctx, &sdk.CallToolRequest{}, RunsInput{Limit: 2})
	if err != nil {
		t.Fatalf("handleRuns failed: %v", err)
	}
	if out.Count != 2 {
		t.Errorf("Count = %d, want 2", out.Count)
	}
}

func TestHandleRuns_Empty(t *testing.T) {
	server, _ := setupTestServer(t)

	_, out, err := server.handleRuns(context.Background(), &sdk.CallToolRequest{}, RunsInput{})
	if err != nil {
		t.Fatalf("handleRuns failed: %v", err)
	}
	if out.Count != 0 || out.Runs == nil {
		t.Errorf("out = %+v, want an empty, non-nil list", out)
	}
}

func TestHandleSeries_Errors(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	in := shortRun()
	in.Persist = true
	_, runOut, err := server.handleRun(ctx, &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}

	t.Run("missing run_id", func(t *testing.T) {
		_, _, err := server.handleSeries(ctx, &sdk.CallToolRequest{}, SeriesInput{Observable: "spread"})
		if err == nil || !strings.Contains(err.Error(), "run_id") {
			t.Errorf("error = %v, want run_id required", err)
		}
	})

	t.Run("unknown observable", func(t *testing.T) {
		_, _, err := server.handleSeries(ctx, &sdk.CallToolRequest{}, SeriesInput{
			RunID:      runOut.RunID,
			Observable: "entropy",
		})
		if err == nil {
			t.Error("expected error for unknown observable")
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		_, _, err := server.handleSeries(ctx, &sdk.CallToolRequest{}, SeriesInput{
			RunID:      "run-000000000000",
			Observable: "spread",
		})
		if !errors.Is(err, store.ErrRunNotFound) {
			t.Errorf("error = %v, want ErrRunNotFound", err)
		}
	})
}

func TestHandleRunResource(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	in := shortRun()
	in.Persist = true
	_, runOut, err := server.handleRun(ctx, &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}

	uri := runResourcePrefix + runOut.RunID
	res, err := server.handleRunResource(ctx, &sdk.ReadResourceRequest{
		Params: &sdk.ReadResourceParams{URI: uri},
	})
	if err != nil {
		t.Fatalf("handleRunResource failed: %v", err)
	}
	if len(res.Contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(res.Contents))
	}
	c := res.Contents[0]
	if c.URI != uri || c.MIMEType != "text/markdown" {
		t.Errorf("content URI/MIME = %q/%q", c.URI, c.MIMEType)
	}
	for _, want := range []string{"# Run " + runOut.RunID, "**Status:** completed", "- Sites: 40", "- Seed: 11", "- Steps: 20"} {
		if !strings.Contains(c.Text, want) {
			t.Errorf("resource text missing %q:\n%s", want, c.Text)
		}
	}
}

func TestHandleRunResource_Errors(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "file:///runs/run-1"},
		{"missing id", runResourcePrefix},
		{"unknown run", runResourcePrefix + "run-000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.handleRunResource(ctx, &sdk.ReadResourceRequest{
				Params: &sdk.ReadResourceParams{URI: tt.uri},
			})
			if err == nil {
				t.Errorf("expected error for %q", tt.uri)
			}
		})
	}
}

func TestHandleRun_AuditsCalls(t *testing.T) {
	server, tmpDir := setupTestServer(t)
	ctx := context.Background()

	in := shortRun()
	in.Persist = true
	in.OutputDir = filepath.Join(tmpDir, "out")
	_, runOut, err := server.handleRun(ctx, &sdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("handleRun failed: %v", err)
	}
	_, _, _ = server.handleRun(ctx, &sdk.CallToolRequest{}, RunInput{Size: -1})
	server.auditLogger.Close()

	entries := readAuditEntries(t, tmpDir)
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}

	ok := entries[0]
	if ok.Tool != ratelimit.ToolRun || ok.Status != "success" || ok.RunID != runOut.RunID {
		t.Errorf("first entry = %+v", ok)
	}
	if ok.Params["output_dir"] != "(set)" {
		t.Errorf("output_dir = %q, want (set)", ok.Params["output_dir"])
	}
	if ok.Params["seed"] != "11" {
		t.Errorf("seed = %q, want 11", ok.Params["seed"])
	}

	if entries[1].Status != "error" || entries[1].Error == "" {
		t.Errorf("second entry = %+v, want an error entry", entries[1])
	}
}
