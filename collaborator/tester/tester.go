// Package tester provides the run_tests collaborator: it answers test-run
// requests for code blocks with a canned report.
package tester

import (
	"context"
	"time"

	"github.com/trickstertwo/a2abus"
)

// TypeRunTests is the request type served by the tester.
const TypeRunTests = "run_tests"

// Report is the reply payload of a run_tests request.
type Report struct {
	Status      string `json:"status"`
	BlockID     string `json:"block_id"`
	TestsRun    int    `json:"tests_run"`
	TestsPassed int    `json:"tests_passed"`
	Coverage    string `json:"coverage"`
}

type runRequest struct {
	BlockID  string `json:"block_id"`
	Language string `json:"language"`
}

// Tester answers run_tests requests.
type Tester struct {
	status   string
	run      int
	passed   int
	coverage string
	delay    time.Duration
}

type Option func(*Tester)

// WithStatus overrides the reported status (default "tests_passed").
func WithStatus(s string) Option { return func(t *Tester) { t.status = s } }

// WithCounts overrides the number of tests run and passed.
func WithCounts(run, passed int) Option {
	return func(t *Tester) { t.run, t.passed = run, passed }
}

// WithCoverage overrides the reported coverage.
func WithCoverage(c string) Option { return func(t *Tester) { t.coverage = c } }

// WithDelay simulates test execution time.
func WithDelay(d time.Duration) Option { return func(t *Tester) { t.delay = d } }

func New(opts ...Option) *Tester {
	t := &Tester{status: "tests_passed", run: 12, passed: 12, coverage: "91%"}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

// Registrar is the part of a bus the tester needs.
type Registrar interface {
	RegisterHandler(msgType string, h a2abus.Handler) error
}

// Register binds the run_tests handler on r.
func (t *Tester) Register(r Registrar) error {
	return r.RegisterHandler(TypeRunTests, a2abus.HandlerFunc(t.Handle))
}

// Handle runs the (simulated) tests for the requested block.
// A missing block_id reports "unknown".
func (t *Tester) Handle(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	req, err := a2abus.DecodePayload[runRequest](ctx, env.Payload)
	if err != nil {
		return nil, err
	}
	if req.BlockID == "" {
		req.BlockID = "unknown"
	}

	if t.delay > 0 {
		timer := time.NewTimer(t.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if l, ok := a2abus.LoggerFromContext(ctx); ok {
		l.Debug().Str("block_id", req.BlockID).Str("language", req.Language).Str("source", env.Source).Msg("running tests")
	}

	return a2abus.EncodePayload(Report{
		Status:      t.status,
		BlockID:     req.BlockID,
		TestsRun:    t.run,
		TestsPassed: t.passed,
		Coverage:    t.coverage,
	})
}
