// Package analysis bridges deltaPEEP analysis requests to the external
// breath-analysis compute pool. The numeric method lives behind the
// Engine interface; this package only marshals requests, bounds engine
// acquisition and assembles the per-delta results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrNoEngine is returned when every engine stays busy for the whole
// acquire window.
var ErrNoEngine = errors.New("no analysis engine available")

// acquireTimeout bounds the wait for a free engine so a burst of
// analysis requests fails fast instead of queueing without limit.
const acquireTimeout = 30 * time.Second

// Request carries one analysis call to an engine.
type Request struct {
	Pressure     []float64 `json:"pressure"`
	Flow         []float64 `json:"flow"`
	DeltaPEEP    []float64 `json:"delta_peep"`
	SamplingRate int       `json:"sampling_rate"`
}

// Output is an engine's raw answer: parallel arrays indexed by delta
// position, with the baseline row last. The field names follow the
// breath-analysis adapter's output signature.
type Output struct {
	PPredict [][]float64 `json:"P_predict_OD_all"`
	VPredict [][]float64 `json:"V_predict_OD_all"`
	OD       []float64   `json:"OD_all"`
	K2       []float64   `json:"k2_all"`
	K2End    []float64   `json:"k2end_all"`
	Cdyn     []float64   `json:"Cdyn_all"`
	Vfrc     []float64   `json:"Vfrc_all"`
	MVpower  []float64   `json:"MVpower_all"`
	PEEP     float64     `json:"PEEP"`
}

// rows is the number of result rows the engine must produce for a
// request: one per requested delta plus the trailing baseline.
func (r Request) rows() int {
	return len(r.DeltaPEEP) + 1
}

// Engine runs one breath analysis. Implementations must be safe to
// reuse across calls; the bridge serialises access per engine slot.
type Engine interface {
	Analyze(ctx context.Context, req Request) (*Output, error)
}

// Waveforms are the predicted pressure and volume traces of one row.
type Waveforms struct {
	PPredict []float64 `json:"P_predict_OD"`
	VPredict []float64 `json:"V_predict_OD"`
}

// Parameters are the per-row respiratory mechanics estimates.
type Parameters struct {
	OD      float64 `json:"OD"`
	K2      float64 `json:"K2"`
	K2End   float64 `json:"K2end"`
	Cdyn    float64 `json:"Cdyn"`
	Vfrc    float64 `json:"Vfrc"`
	MVpower float64 `json:"MVpower"`
}

// Result is one assembled analysis row. DeltaPEEP is the requested
// numeric delta, or the string "baseline" for the trailing row.
type Result struct {
	DeltaPEEP  any        `json:"deltaPEEP"`
	PEEP       float64    `json:"PEEP"`
	Waveforms  Waveforms  `json:"waveforms"`
	Parameters Parameters `json:"parameters"`
}

// Bridge owns a fixed pool of engine slots. Acquisition is bounded so
// a stuck engine surfaces as a failure frame instead of a hung session.
type Bridge struct {
	engines      chan Engine
	samplingRate int
	acquireWait  time.Duration
	logger       *zap.Logger
}

// NewBridge pools the given engines. samplingRate is forwarded with
// every request.
func NewBridge(engines []Engine, samplingRate int, logger *zap.Logger) *Bridge {
	pool := make(chan Engine, len(engines))
	for _, e := range engines {
		pool <- e
	}
	return &Bridge{
		engines:      pool,
		samplingRate: samplingRate,
		acquireWait:  acquireTimeout,
		logger:       logger,
	}
}

// Analyze acquires an engine, runs the analysis and assembles one
// Result per delta plus the baseline row.
func (b *Bridge) Analyze(ctx context.Context, pressure, flow, deltaPEEP []float64) ([]Result, error) {
	ctx, span := otel.Tracer("analysis").Start(ctx, "analysis.breath",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("analysis.delta_count", len(deltaPEEP)))

	engine, err := b.acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() { b.engines <- engine }()

	req := Request{
		Pressure:     pressure,
		Flow:         flow,
		DeltaPEEP:    deltaPEEP,
		SamplingRate: b.samplingRate,
	}
	out, err := engine.Analyze(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("engine execution: %w", err)
	}

	results, err := assemble(req, out)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return results, nil
}

func (b *Bridge) acquire(ctx context.Context) (Engine, error) {
	timer := time.NewTimer(b.acquireWait)
	defer timer.Stop()

	select {
	case engine := <-b.engines:
		return engine, nil
	case <-timer.C:
		b.logger.Error("analysis engine acquire timed out",
			zap.Duration("waited", b.acquireWait))
		return nil, ErrNoEngine
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// assemble zips the engine's parallel arrays into one Result per row.
// A shape mismatch means the engine answered for a different request
// and the whole output is rejected.
func assemble(req Request, out *Output) ([]Result, error) {
	rows := req.rows()
	for name, got := range map[string]int{
		"P_predict_OD_all": len(out.PPredict),
		"V_predict_OD_all": len(out.VPredict),
		"OD_all":           len(out.OD),
		"k2_all":           len(out.K2),
		"k2end_all":        len(out.K2End),
		"Cdyn_all":         len(out.Cdyn),
		"Vfrc_all":         len(out.Vfrc),
		"MVpower_all":      len(out.MVpower),
	} {
		if got != rows {
			return nil, fmt.Errorf("engine output %s has %d rows, want %d", name, got, rows)
		}
	}

	results := make([]Result, rows)
	for i := 0; i < rows; i++ {
		var delta any = "baseline"
		if i < len(req.DeltaPEEP) {
			delta = req.DeltaPEEP[i]
		}
		results[i] = Result{
			DeltaPEEP: delta,
			PEEP:      out.PEEP,
			Waveforms: Waveforms{
				PPredict: out.PPredict[i],
				VPredict: out.VPredict[i],
			},
			Parameters: Parameters{
				OD:      out.OD[i],
				K2:      out.K2[i],
				K2End:   out.K2End[i],
				Cdyn:    out.Cdyn[i],
				Vfrc:    out.Vfrc[i],
				MVpower: out.MVpower[i],
			},
		}
	}
	return results, nil
}
