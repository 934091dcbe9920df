package mcp

import (
	"time"
)

// RunInput defines the input for the anderson_run tool.
type RunInput struct {
	Size          int      `json:"size" jsonschema:"Number of lattice sites (1 to 100000)"`
	DisorderWidth float64  `json:"disorder_width,omitempty" jsonschema:"Width W of the uniform on-site disorder on [-W/2, W/2] (default 0)"`
	Sigma         float64  `json:"sigma,omitempty" jsonschema:"Gaussian packet width; 0 starts from a single site (default 0)"`
	TimeStep      float64  `json:"time_step,omitempty" jsonschema:"RK4 step size h (default 0.01)"`
	MaxTime       *float64 `json:"max_time,omitempty" jsonschema:"Simulation horizon (default size/5)"`
	Seed          *uint64  `json:"seed,omitempty" jsonschema:"Disorder seed; omitted draws a fresh one"`
	Persist       bool     `json:"persist,omitempty" jsonschema:"Record the run in the run store (default false)"`
	OutputDir     string   `json:"output_dir,omitempty" jsonschema:"Directory for series files; must be under an allowed output directory"`
	Format        string   `json:"format,omitempty" jsonschema:"Series file format when output_dir is set: dat or arrow (default dat)"`
}

// RunOutput defines the output for the anderson_run tool.
type RunOutput struct {
	RunID     string          `json:"run_id,omitempty" jsonschema:"Stored run ID when persist was requested"`
	Seed      uint64          `json:"seed" jsonschema:"Seed used for the disorder"`
	Steps     int             `json:"steps" jsonschema:"RK4 steps taken"`
	FinalTime float64         `json:"final_time" jsonschema:"Simulated time reached"`
	NormDrift float64         `json:"norm_drift" jsonschema:"Relative change of total probability over the run"`
	Final     ObservableValue `json:"final" jsonschema:"Observables at the final time"`
	Files     []string        `json:"files,omitempty" jsonschema:"Series files written"`
	Message   string          `json:"message" jsonschema:"Human-readable result message"`
}

// ObservableValue holds the four observables at one time.
type ObservableValue struct {
	ReturnProbability float64 `json:"return_probability"`
	Participation     float64 `json:"participation"`
	MeanPosition      float64 `json:"mean_position"`
	Spread            float64 `json:"spread"`
}

// RunsInput defines the input for the anderson_runs tool.
type RunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of runs to return, newest first (default 20)"`
}

// RunsOutput defines the output for the anderson_runs tool.
type RunsOutput struct {
	Runs  []RunListItem `json:"runs" jsonschema:"Stored runs"`
	Count int           `json:"count" jsonschema:"Number of runs returned"`
}

// RunListItem provides a list view of a stored run.
type RunListItem struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Size          int       `json:"size"`
	DisorderWidth float64   `json:"disorder_width"`
	Sigma         float64   `json:"sigma"`
	MaxTime       float64   `json:"max_time"`
	Seed          uint64    `json:"seed"`
	Steps         int       `json:"steps"`
	Status        string    `json:"status"`
}

// SeriesInput defines the input for the anderson_series tool.
type SeriesInput struct {
	RunID      string `json:"run_id" jsonschema:"ID of a stored run"`
	Observable string `json:"observable" jsonschema:"One of return, participation, centroid, spread"`
	Stride     int    `json:"stride,omitempty" jsonschema:"Return every n-th point (default 1)"`
}

// SeriesOutput defines the output for the anderson_series tool.
type SeriesOutput struct {
	RunID      string        `json:"run_id"`
	Observable string        `json:"observable"`
	Points     []SeriesPoint `json:"points" jsonschema:"Chronological (time, value) pairs"`
	Count      int           `json:"count" jsonschema:"Number of points returned"`
}

// SeriesPoint is one row of a series.
type SeriesPoint struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}
