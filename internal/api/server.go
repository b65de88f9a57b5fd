package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
	"github.com/samcharles93/mgemm/internal/verify"
	"github.com/samcharles93/mgemm/internal/version"
)

// Options configures a Server.
type Options struct {
	// Engine is the base engine configuration for verification runs.
	Engine groupgemm.Config
	// Scale is the default divisor applied to catalogue scenarios.
	Scale int
	// MinScale is the smallest divisor a request may ask for, so a single
	// request cannot start a full-size sweep.
	MinScale int
	Seed     int64
	// Rate limits POST /v1/verify to Rate requests per second with bursts of
	// Burst. Rate <= 0 disables the limit.
	Rate       float64
	Burst      int
	MaxReports int
	Logger     logger.Logger
}

type Server struct {
	opts    Options
	store   *ReportStore
	limiter *rate.Limiter
	log     logger.Logger
	// sem admits one verification at a time; the engine already spreads a
	// run over every core.
	sem chan struct{}
	// maxElements bounds the largest operand of any requested case.
	maxElements int
}

func NewServer(opts Options) *Server {
	if opts.Scale <= 0 {
		opts.Scale = 16
	}
	if opts.MinScale <= 0 {
		opts.MinScale = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		opts:  opts,
		store: NewReportStore(opts.MaxReports),
		log:   log,
		sem:   make(chan struct{}, 1),
	}
	s.maxElements = caseLimit(opts.MinScale, opts.Engine.MaxElements)
	if opts.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/scenarios", s.handleScenarios)
	e.POST("/v1/verify", s.handleVerify, s.rateLimit)
	e.GET("/v1/reports", s.handleListReports)
	e.GET("/v1/reports/:id", s.handleGetReport)
	e.DELETE("/v1/reports/:id", s.handleDeleteReport)
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeTooManyRequests(c)
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleScenarios(c *echo.Context) error {
	cat := verify.Catalogue()
	list := ScenarioList{Object: "list", Data: make([]ScenarioInfo, 0, len(cat))}
	for _, sc := range cat {
		list.Data = append(list.Data, scenarioInfo(sc))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleVerify(c *echo.Context) error {
	req, err := decodeJSON[VerifyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	runner, cases, err := s.plan(req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), paramOf(err), "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	ctx := c.Request().Context()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return writeError(c, http.StatusServiceUnavailable, "server_error", "request cancelled while waiting for a running verification", "", "")
	}
	defer func() { <-s.sem }()

	s.log.Info("verification started", "cases", len(cases))
	rep, err := runner.Run(ctx, cases)
	if err != nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "")
	}
	s.store.Save(rep)
	s.log.Info("verification finished", "id", rep.ID, "passed", rep.Summary.Passed, "total", rep.Summary.Total)
	return c.JSON(http.StatusOK, rep)
}

// plan turns a request into a runner and its cases.
func (s *Server) plan(req VerifyRequest) (*verify.Runner, []verify.Scenario, error) {
	scale := req.Scale
	if scale == 0 {
		scale = s.opts.Scale
	}
	if scale < s.opts.MinScale {
		return nil, nil, newInvalidRequest("scale", fmt.Sprintf("must be at least %d", s.opts.MinScale))
	}

	var cases []verify.Scenario
	if len(req.Scenarios) > 0 || len(req.Sweep) == 0 {
		names := req.Scenarios
		if len(names) == 0 {
			for _, sc := range verify.Catalogue() {
				names = append(names, sc.Name)
			}
		}
		found, err := verify.Lookup(names...)
		if err != nil {
			return nil, nil, newInvalidRequest("scenarios", err.Error())
		}
		for _, sc := range found {
			cases = append(cases, sc.Scaled(scale))
		}
	}
	for i, sc := range req.Sweep {
		param := fmt.Sprintf("sweep[%d]", i)
		if err := sc.Validate(); err != nil {
			return nil, nil, newInvalidRequest(param, err.Error())
		}
		if err := s.checkSize(sc); err != nil {
			return nil, nil, newInvalidRequest(param, err.Error())
		}
		cases = append(cases, sc)
	}

	if strings.TrimSpace(req.DType) != "" {
		d, err := tensor.ParseDType(req.DType)
		if err != nil {
			return nil, nil, newInvalidRequest("dtype", err.Error())
		}
		for i := range cases {
			cases[i].DType = d
		}
	}

	cfg := s.opts.Engine
	if req.Reduction != "" {
		red, err := groupgemm.ParseReduction(req.Reduction)
		if err != nil {
			return nil, nil, newInvalidRequest("reduction", err.Error())
		}
		cfg.Reduction = red
	}
	if req.Workers < 0 {
		return nil, nil, newInvalidRequest("workers", "must not be negative")
	}
	if req.Workers > 0 && (cfg.Workers <= 0 || req.Workers < cfg.Workers) {
		cfg.Workers = req.Workers
	}
	cfg.WideAccumulator = cfg.WideAccumulator || req.Wide

	seed := s.opts.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	return &verify.Runner{Config: cfg, Seed: seed, Log: s.log}, cases, nil
}

// caseLimit is the largest operand, in elements, of the catalogue scaled by
// minScale, capped by the engine budget when one is set.
func caseLimit(minScale, budget int) int {
	limit := 0
	for _, sc := range verify.Catalogue() {
		if n, err := sc.Scaled(minScale).Elements(); err == nil {
			limit = max(limit, n)
		}
	}
	if budget > 0 {
		limit = min(limit, budget)
	}
	return limit
}

// checkSize rejects a custom case larger than the scaled catalogue allows.
func (s *Server) checkSize(sc verify.Scenario) error {
	if g := max(sc.Groups, len(sc.Sizes)); g > s.maxElements {
		return fmt.Errorf("%d groups exceed the limit of %d", g, s.maxElements)
	}
	n, err := sc.Elements()
	if err != nil {
		return fmt.Errorf("operands cannot be addressed: %v", err)
	}
	if n > s.maxElements {
		return fmt.Errorf("largest operand has %d elements, limit is %d", n, s.maxElements)
	}
	return nil
}

func (s *Server) handleListReports(c *echo.Context) error {
	reports := s.store.List()
	list := ReportList{Object: "list", Data: make([]ReportSummary, 0, len(reports))}
	for _, rep := range reports {
		list.Data = append(list.Data, summarize(rep))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetReport(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeNotFound(c, "report not found")
	}
	rep, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "report not found")
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(c *echo.Context) error {
	id := c.Param("id")
	if id == "" || !s.store.Delete(id) {
		return writeNotFound(c, "report not found")
	}
	return c.JSON(http.StatusOK, DeleteReportResp{
		ID:      id,
		Object:  "report",
		Deleted: true,
	})
}
