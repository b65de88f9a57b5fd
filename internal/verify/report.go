package verify

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/version"
)

// Environment describes the host a report was produced on.
type Environment struct {
	GoVersion  string   `json:"go_version" yaml:"go_version"`
	GoOS       string   `json:"go_os" yaml:"go_os"`
	GoArch     string   `json:"go_arch" yaml:"go_arch"`
	CPUs       int      `json:"cpus" yaml:"cpus"`
	GOMAXPROCS int      `json:"gomaxprocs" yaml:"gomaxprocs"`
	Features   []string `json:"features" yaml:"features"`
	Version    string   `json:"version" yaml:"version"`
}

// CurrentEnvironment captures the running process.
func CurrentEnvironment() Environment {
	return Environment{
		GoVersion:  runtime.Version(),
		GoOS:       runtime.GOOS,
		GoArch:     runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		Features:   groupgemm.CPUFeatures(),
		Version:    version.String(),
	}
}

// EngineSettings is the part of the engine configuration a report records.
type EngineSettings struct {
	TileM     int    `json:"tile_m" yaml:"tile_m"`
	TileN     int    `json:"tile_n" yaml:"tile_n"`
	TileK     int    `json:"tile_k" yaml:"tile_k"`
	Workers   int    `json:"workers" yaml:"workers"`
	Reduction string `json:"reduction" yaml:"reduction"`
	Wide      bool   `json:"wide_accumulator" yaml:"wide_accumulator"`
}

// Summary counts case outcomes.
type Summary struct {
	Total  int `json:"total" yaml:"total"`
	Passed int `json:"passed" yaml:"passed"`
	Failed int `json:"failed" yaml:"failed"`
	Errors int `json:"errors" yaml:"errors"`
}

// OK reports whether every case passed.
func (s Summary) OK() bool {
	return s.Total == s.Passed
}

// Report is the outcome of a sweep.
type Report struct {
	ID          string         `json:"id" yaml:"id"`
	Started     time.Time      `json:"started" yaml:"started"`
	Finished    time.Time      `json:"finished" yaml:"finished"`
	Seed        int64          `json:"seed" yaml:"seed"`
	Engine      EngineSettings `json:"engine" yaml:"engine"`
	Environment Environment    `json:"environment" yaml:"environment"`
	Cases       []CaseResult   `json:"cases" yaml:"cases"`
	Summary     Summary        `json:"summary" yaml:"summary"`
}

func newReport(cfg groupgemm.Config, seed int64) *Report {
	return &Report{
		ID:      uuid.NewString(),
		Started: time.Now().UTC(),
		Seed:    seed,
		Engine: EngineSettings{
			TileM:     cfg.TileM,
			TileN:     cfg.TileN,
			TileK:     cfg.TileK,
			Workers:   cfg.Workers,
			Reduction: cfg.Reduction.String(),
			Wide:      cfg.WideAccumulator,
		},
		Environment: CurrentEnvironment(),
	}
}

func (r *Report) finish() {
	r.Finished = time.Now().UTC()
	r.Summary = Summary{Total: len(r.Cases)}
	for _, c := range r.Cases {
		switch c.Status {
		case StatusPass:
			r.Summary.Passed++
		case StatusFail:
			r.Summary.Failed++
		default:
			r.Summary.Errors++
		}
	}
}

// Failed returns the cases that did not pass.
func (r *Report) Failed() []CaseResult {
	var out []CaseResult
	for _, c := range r.Cases {
		if c.Status != StatusPass {
			out = append(out, c)
		}
	}
	return out
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML writes r as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteFile writes r to path, as YAML for .yaml and .yml extensions and as
// JSON otherwise.
func (r *Report) WriteFile(path string) error {
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = r.WriteYAML(&buf)
	default:
		err = r.WriteJSON(&buf)
	}
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}

// ReadReport decodes a JSON report.
func ReadReport(r io.Reader) (*Report, error) {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, errors.Wrap(err, "decode report")
	}
	return &rep, nil
}
