package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/idgen"
	"github.com/mbd888/keyshield/internal/logging"
	"github.com/mbd888/keyshield/internal/metrics"
	"github.com/mbd888/keyshield/internal/petition"
	"github.com/mbd888/keyshield/internal/traces"
)

// ErrInterrupted is returned, together with the outcome collected so
// far, when a round could not complete.
var ErrInterrupted = errors.New("signing: session interrupted")

// Collector drives signing sessions against one Interactor.
type Collector struct {
	interactor            Interactor
	logger                *slog.Logger
	roundTimeout          time.Duration
	finishWhenSomeInvalid bool
}

// Option configures the Collector.
type Option func(*Collector)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithRoundTimeout bounds each interactor call. Zero means no bound.
func WithRoundTimeout(d time.Duration) Option {
	return func(c *Collector) { c.roundTimeout = d }
}

// WithFinishEarlyWhenSomeInvalid stops the session as soon as any
// transaction has failed, instead of collecting for the others.
func WithFinishEarlyWhenSomeInvalid() Option {
	return func(c *Collector) { c.finishWhenSomeInvalid = true }
}

// NewCollector creates a Collector.
func NewCollector(interactor Interactor, opts ...Option) *Collector {
	c := &Collector{
		interactor: interactor,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs a full session over the requests and returns its outcome.
// Invalid requests fail before any interactor call. If a round is
// interrupted by an interactor error, an invalid response or ctx, the
// factor sources of that round are neglected as unreachable and the
// outcome is returned together with an error wrapping ErrInterrupted.
func (c *Collector) Collect(ctx context.Context, requests []petition.Request) (*petition.SignaturesOutcome, error) {
	p, err := petition.New(requests)
	if err != nil {
		return nil, err
	}
	return c.Drive(ctx, p)
}

// Drive runs the rounds on an existing session and consumes it. The
// session ID is taken from ctx, or generated.
func (c *Collector) Drive(ctx context.Context, p *petition.Petitions) (*petition.SignaturesOutcome, error) {
	session := logging.SessionID(ctx)
	if session == "" {
		session = idgen.WithPrefix("sess_")
		ctx = logging.WithSessionID(ctx, session)
	}
	ctx, span := traces.StartSpan(ctx, "signing.Collect", traces.Transactions(len(p.Transactions())))
	defer span.End()
	log := logging.Annotate(ctx, c.logger)

	var interrupted error
	round := 0
	for _, kind := range factors.SigningOrder {
		if c.finished(p) {
			break
		}
		c.neglectIrrelevant(log, p)

		ids := p.PendingOfKind(kind)
		if len(ids) == 0 {
			continue
		}
		round++
		req := Request{Session: session, Kind: kind, Round: round}
		if err := c.round(ctx, log, p, req, ids); err != nil {
			interrupted = err
			break
		}
	}
	if interrupted == nil {
		c.neglectIrrelevant(log, p)
	}

	out := p.Outcome()
	metrics.SigningOutcomesTotal.WithLabelValues("successful").Add(float64(len(out.Successful)))
	metrics.SigningOutcomesTotal.WithLabelValues("failed").Add(float64(len(out.Failed)))
	log.Debug("signing session finished",
		"rounds", round,
		"successful", len(out.Successful),
		"failed", len(out.Failed),
		"neglected", len(out.Neglected))

	if interrupted != nil {
		traces.RecordError(span, interrupted)
		return out, interrupted
	}
	return out, nil
}

func (c *Collector) finished(p *petition.Petitions) bool {
	switch p.Status() {
	case petition.AllValid:
		return true
	case petition.SomeInvalid:
		if c.finishWhenSomeInvalid {
			return true
		}
	}
	return p.Decided()
}

func (c *Collector) neglectIrrelevant(log *slog.Logger, p *petition.Petitions) {
	for _, id := range p.NeglectIrrelevant() {
		recordNeglect(log, id, petition.IrrelevantForThisBatch)
	}
}

func (c *Collector) round(ctx context.Context, log *slog.Logger, p *petition.Petitions, req Request, ids []factors.FactorSourceID) error {
	kind, n := req.Kind, req.Round
	ctx, span := traces.StartSpan(ctx, "signing.round", traces.Kind(string(kind)), traces.Round(n))
	defer span.End()

	req.Inputs = make([]petition.FactorInput, 0, len(ids))
	for _, id := range ids {
		req.Inputs = append(req.Inputs, p.InputForInteractor(id))
	}
	metrics.SigningRoundsTotal.WithLabelValues(string(kind)).Inc()
	log.Debug("signing round started", "round", n, "kind", kind, "factor_sources", len(ids))

	var outcomes []petition.FactorOutcome
	neglectedBefore := len(p.NeglectedFactorSources())
	resp, err := c.call(ctx, req)
	if err == nil {
		outcomes, err = complete(ids, resp.Outcomes)
	}
	if err == nil {
		err = p.ProcessBatchResponse(outcomes)
	}
	if err != nil {
		p.NeglectFactorSources(ids, petition.Unreachable)
		for _, id := range ids {
			recordNeglect(log, id, petition.Unreachable)
		}
		log.Warn("signing round interrupted", "round", n, "kind", kind, "error", err)
		traces.RecordError(span, err)
		return fmt.Errorf("%w: round %d (%s): %w", ErrInterrupted, n, kind, err)
	}

	// Includes factor sources that signed only part of what they were asked.
	for _, n := range p.NeglectedFactorSources()[neglectedBefore:] {
		recordNeglect(log, n.FactorSourceID, n.Reason)
	}
	log.Debug("signing round finished", "round", n, "kind", kind, "status", p.Status())
	return nil
}

func (c *Collector) call(ctx context.Context, req Request) (Response, error) {
	if c.roundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.roundTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp, err := c.interactor.Sign(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// complete adds an Unreachable outcome for every asked factor source the
// host left out. Answers for factor sources outside the round are
// rejected.
func complete(ids []factors.FactorSourceID, outcomes []petition.FactorOutcome) ([]petition.FactorOutcome, error) {
	answered := make(map[factors.FactorSourceID]bool, len(outcomes))
	for _, o := range outcomes {
		if !slices.Contains(ids, o.FactorSourceID) {
			return nil, fmt.Errorf("%w: %s", petition.ErrUnexpectedFactor, o.FactorSourceID.Short())
		}
		answered[o.FactorSourceID] = true
	}
	out := append([]petition.FactorOutcome(nil), outcomes...)
	for _, id := range ids {
		if !answered[id] {
			out = append(out, petition.Skipped(id, petition.Unreachable))
		}
	}
	return out, nil
}

func recordNeglect(log *slog.Logger, id factors.FactorSourceID, reason petition.NeglectReason) {
	metrics.FactorNeglectsTotal.WithLabelValues(string(id.Kind), string(reason)).Inc()
	log.Info("factor source neglected", "factor_source", id.Short(), "kind", id.Kind, "reason", reason)
}
