package api

import (
	"github.com/samcharles93/mgemm/internal/verify"
)

// VerifyRequest is the body of POST /v1/verify. Zero fields take the server
// defaults.
type VerifyRequest struct {
	Scenarios []string          `json:"scenarios,omitempty"`
	Sweep     []verify.Scenario `json:"sweep,omitempty"`
	Scale     int               `json:"scale,omitempty"`
	DType     string            `json:"dtype,omitempty"`
	Seed      *int64            `json:"seed,omitempty"`
	Reduction string            `json:"reduction,omitempty"`
	Workers   int               `json:"workers,omitempty"`
	Wide      bool              `json:"wide_accumulator,omitempty"`
}

// ScenarioInfo describes one catalogue entry.
type ScenarioInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Groups      int    `json:"groups"`
	M           int    `json:"m"`
	K           int    `json:"k"`
	N           int    `json:"n"`
	Sizes       []int  `json:"sizes"`
	DType       string `json:"dtype"`
	Passes      string `json:"passes"`
}

type ScenarioList struct {
	Object string         `json:"object"`
	Data   []ScenarioInfo `json:"data"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ReportSummary struct {
	ID       string         `json:"id"`
	Started  int64          `json:"started_at"`
	Summary  verify.Summary `json:"summary"`
	Failures []string       `json:"failures,omitempty"`
}

type ReportList struct {
	Object string          `json:"object"`
	Data   []ReportSummary `json:"data"`
}

type DeleteReportResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func scenarioInfo(s verify.Scenario) ScenarioInfo {
	passes := "forward"
	if s.Backward {
		passes = "forward+backward"
	}
	return ScenarioInfo{
		Name:        s.Name,
		Description: s.Description,
		Groups:      len(s.GroupSizes()),
		M:           s.Rows(),
		K:           s.K,
		N:           s.N,
		Sizes:       s.GroupSizes(),
		DType:       s.DType.String(),
		Passes:      passes,
	}
}

func summarize(rep *verify.Report) ReportSummary {
	out := ReportSummary{
		ID:      rep.ID,
		Started: rep.Started.Unix(),
		Summary: rep.Summary,
	}
	for _, c := range rep.Failed() {
		out.Failures = append(out.Failures, c.Scenario.Name)
	}
	return out
}
