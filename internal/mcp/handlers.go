package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/anderson/internal/evolution"
	"github.com/nvandessel/anderson/internal/lattice"
	"github.com/nvandessel/anderson/internal/pathutil"
	"github.com/nvandessel/anderson/internal/ratelimit"
	"github.com/nvandessel/anderson/internal/sink"
	"github.com/nvandessel/anderson/internal/store"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200

	// maxRunSize caps anderson_run chains. Memory grows with the size alone,
	// so the work budget cannot bound it for short horizons.
	maxRunSize = 100_000

	runResourcePrefix = "anderson://runs/"
)

// registerTools registers all anderson MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        ratelimit.ToolRun,
		Description: "Simulate a wave packet spreading on a disordered 1-D tight-binding chain and report the final observables",
	}, s.handleRun)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        ratelimit.ToolRuns,
		Description: "List stored simulation runs, newest first",
	}, s.handleRuns)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        ratelimit.ToolSeries,
		Description: "Fetch one observable's time series (return, participation, centroid, spread) from a stored run",
	}, s.handleSeries)
}

// registerResources exposes stored runs as markdown summaries.
func (s *Server) registerResources() {
	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: runResourcePrefix + "{id}",
		Name:        "anderson-run",
		Description: "Parameters and outcome of a stored simulation run.",
		MIMEType:    "text/markdown",
	}, s.handleRunResource)
}

// handleRun implements the anderson_run tool.
func (s *Server) handleRun(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, _ RunOutput, retErr error) {
	start := time.Now()
	var runID string
	defer func() {
		params := map[string]any{
			"size": args.Size, "disorder_width": args.DisorderWidth, "sigma": args.Sigma,
			"time_step": args.TimeStep, "persist": args.Persist,
		}
		if args.MaxTime != nil {
			params["max_time"] = *args.MaxTime
		}
		if args.Seed != nil {
			params["seed"] = *args.Seed
		}
		if args.OutputDir != "" {
			params["output_dir"] = args.OutputDir
			params["format"] = args.Format
		}
		s.auditTool(ratelimit.ToolRun, start, retErr, runID, sanitizeToolParams(params))
	}()

	if err := s.toolLimiters.Check(ratelimit.ToolRun); err != nil {
		return nil, RunOutput{}, err
	}

	cfg := lattice.DefaultSimulationConfig(args.Size)
	cfg.DisorderWidth = args.DisorderWidth
	cfg.Sigma = args.Sigma
	if args.TimeStep != 0 {
		cfg.TimeStep = args.TimeStep
	}
	cfg.MaxTime = args.MaxTime
	cfg.Seed = args.Seed
	if err := cfg.Validate(); err != nil {
		return nil, RunOutput{}, err
	}
	if cfg.Size > maxRunSize {
		return nil, RunOutput{}, fmt.Errorf("size %d exceeds the server limit of %d sites: %w",
			cfg.Size, maxRunSize, lattice.ErrInvalidConfiguration)
	}

	work := float64(cfg.Size) * float64(cfg.Steps()+1)
	if err := s.toolLimiters.CheckWork(ratelimit.ToolRun, work); err != nil {
		return nil, RunOutput{}, err
	}

	var sinks evolution.MultiSink
	var files func() []string
	if args.OutputDir != "" {
		dir, err := pathutil.ValidatePath(args.OutputDir, s.outputDirs)
		if err != nil {
			return nil, RunOutput{}, err
		}
		switch strings.ToLower(args.Format) {
		case "", "dat":
			ds := sink.NewDatSink(dir)
			sinks = append(sinks, ds)
			files = ds.Paths
		case "arrow":
			as := sink.NewArrowSink(dir)
			sinks = append(sinks, as)
			files = func() []string { return []string{as.Path()} }
		default:
			return nil, RunOutput{}, fmt.Errorf("invalid format: %s (valid: dat, arrow)", args.Format)
		}
	}

	var rs *store.RunSink
	if args.Persist {
		rs = store.NewRunSink(ctx, s.store, 0)
		sinks = append(sinks, rs)
	}

	res, runErr := evolution.Run(ctx, cfg, sinks, evolution.Options{Logger: s.logger, Events: s.events})
	if rs != nil && rs.RunID() != "" {
		runID = rs.RunID()
		if err := rs.Finish(res, runErr); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return nil, RunOutput{}, runErr
	}

	out := RunOutput{
		RunID:     runID,
		Seed:      res.Seed,
		Steps:     res.Steps,
		FinalTime: res.FinalTime,
		NormDrift: res.NormDrift(),
		Final: ObservableValue{
			ReturnProbability: res.Final.ReturnProbability,
			Participation:     res.Final.Participation,
			MeanPosition:      res.Final.MeanPosition,
			Spread:            res.Final.Spread,
		},
	}
	if files != nil {
		for _, f := range files() {
			out.Files = append(out.Files, pathutil.RedactPath(f))
		}
	}
	out.Message = fmt.Sprintf("Evolved %d sites to t=%.4g in %d steps (seed %d); final spread %.4g, participation %.4g",
		cfg.Size, res.FinalTime, res.Steps, res.Seed, res.Final.Spread, res.Final.Participation)
	if runID != "" {
		out.Message += fmt.Sprintf("; stored as %s", runID)
	}
	return nil, out, nil
}

// handleRuns implements the anderson_runs tool.
func (s *Server) handleRuns(ctx context.Context, req *sdk.CallToolRequest, args RunsInput) (_ *sdk.CallToolResult, _ RunsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(ratelimit.ToolRuns, start, retErr, "", sanitizeToolParams(map[string]any{"limit": args.Limit}))
	}()

	if err := s.toolLimiters.Check(ratelimit.ToolRuns); err != nil {
		return nil, RunsOutput{}, err
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	limit = min(limit, maxRunsLimit)

	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, RunsOutput{}, fmt.Errorf("failed to list runs: %w", err)
	}

	items := make([]RunListItem, 0, len(runs))
	for _, r := range runs {
		items = append(items, RunListItem{
			ID:            r.ID,
			CreatedAt:     r.CreatedAt,
			Size:          r.Size,
			DisorderWidth: r.DisorderWidth,
			Sigma:         r.Sigma,
			MaxTime:       r.MaxTime,
			Seed:          r.Seed,
			Steps:         r.Steps,
			Status:        string(r.Status),
		})
	}

	return nil, RunsOutput{Runs: items, Count: len(items)}, nil
}

// handleSeries implements the anderson_series tool.
func (s *Server) handleSeries(ctx context.Context, req *sdk.CallToolRequest, args SeriesInput) (_ *sdk.CallToolResult, _ SeriesOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool(ratelimit.ToolSeries, start, retErr, args.RunID, sanitizeToolParams(map[string]any{
			"run_id": args.RunID, "observable": args.Observable, "stride": args.Stride,
		}))
	}()

	if err := s.toolLimiters.Check(ratelimit.ToolSeries); err != nil {
		return nil, SeriesOutput{}, err
	}

	if args.RunID == "" {
		return nil, SeriesOutput{}, fmt.Errorf("'run_id' parameter is required")
	}
	obs, err := evolution.ParseObservable(args.Observable)
	if err != nil {
		return nil, SeriesOutput{}, err
	}
	stride := args.Stride
	if stride <= 0 {
		stride = 1
	}

	if _, err := s.store.GetRun(ctx, args.RunID); err != nil {
		return nil, SeriesOutput{}, err
	}
	records, err := s.store.GetSeries(ctx, args.RunID, obs)
	if err != nil {
		return nil, SeriesOutput{}, err
	}

	points := make([]SeriesPoint, 0, (len(records)+stride-1)/stride)
	for i := 0; i < len(records); i += stride {
		points = append(points, SeriesPoint{Time: records[i].Time, Value: records[i].Value})
	}

	return nil, SeriesOutput{
		RunID:      args.RunID,
		Observable: obs.String(),
		Points:     points,
		Count:      len(points),
	}, nil
}

// handleRunResource renders a stored run as markdown.
// URI format: anderson://runs/{id}
func (s *Server) handleRunResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	if !strings.HasPrefix(uri, runResourcePrefix) {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	runID := strings.TrimPrefix(uri, runResourcePrefix)
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&sb, "**Status:** %s\n", run.Status)
	fmt.Fprintf(&sb, "**Created:** %s\n\n", run.CreatedAt.Format(time.RFC3339))
	sb.WriteString("## Parameters\n\n")
	fmt.Fprintf(&sb, "- Sites: %d\n", run.Size)
	fmt.Fprintf(&sb, "- Disorder width W: %g\n", run.DisorderWidth)
	fmt.Fprintf(&sb, "- Packet width sigma: %g\n", run.Sigma)
	fmt.Fprintf(&sb, "- Time step h: %g\n", run.TimeStep)
	fmt.Fprintf(&sb, "- Horizon: %g\n", run.MaxTime)
	fmt.Fprintf(&sb, "- Seed: %d\n", run.Seed)
	if run.Status != store.StatusRunning {
		sb.WriteString("\n## Outcome\n\n")
		fmt.Fprintf(&sb, "- Steps: %d\n", run.Steps)
		fmt.Fprintf(&sb, "- Final time: %g\n", run.FinalTime)
		fmt.Fprintf(&sb, "- Total probability: %.6f -> %.6f\n", run.InitialNorm, run.FinalNorm)
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      uri,
				MIMEType: "text/markdown",
				Text:     sb.String(),
			},
		},
	}, nil
}
