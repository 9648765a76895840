package profile

import (
	"context"

	"github.com/mbd888/keyshield/internal/factors"
)

// Lookup is read-only access to entities.
type Lookup interface {
	GetEntity(ctx context.Context, addr factors.EntityAddress) (*Entity, error)
}

// Store persists entities and the factor source registry.
type Store interface {
	Lookup
	CreateEntity(ctx context.Context, e *Entity) error
	UpdateEntity(ctx context.Context, e *Entity) error
	ListEntities(ctx context.Context) ([]*Entity, error)

	AddFactorSource(ctx context.Context, fs factors.FactorSource) error
	GetFactorSource(ctx context.Context, id factors.FactorSourceID) (factors.FactorSource, error)
	ListFactorSources(ctx context.Context) ([]factors.FactorSource, error)
}
