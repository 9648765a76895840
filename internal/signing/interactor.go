// Package signing drives a signing session: it asks one factor source
// kind at a time for signatures through a host-provided Interactor and
// records the answers in a petition.Petitions session.
package signing

import (
	"context"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/petition"
)

// Request is one round: every pending factor source of a single kind,
// batched into one host call.
type Request struct {
	Session string                 `json:"session"`
	Kind    factors.Kind           `json:"kind"`
	Round   int                    `json:"round"`
	Inputs  []petition.FactorInput `json:"inputs"`
}

// FactorSourceIDs lists the factor sources asked in the round.
func (r Request) FactorSourceIDs() []factors.FactorSourceID {
	out := make([]factors.FactorSourceID, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		out = append(out, in.FactorSourceID)
	}
	return out
}

// Response is the host's answer to a round. A factor source missing from
// Outcomes counts as unreachable.
type Response struct {
	Outcomes []petition.FactorOutcome `json:"outcomes"`
}

// Interactor is the host capability that turns factor inputs into
// signatures, typically by prompting the user or talking to hardware.
// Implementations may sign for some factor sources and neglect others in
// the same response.
type Interactor interface {
	Sign(ctx context.Context, req Request) (Response, error)
}

// InteractorFunc adapts a function to Interactor.
type InteractorFunc func(ctx context.Context, req Request) (Response, error)

func (f InteractorFunc) Sign(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
