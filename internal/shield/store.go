package shield

import "context"

// Store persists built security shields.
type Store interface {
	Create(ctx context.Context, s *SecurityShield) error
	Get(ctx context.Context, id string) (*SecurityShield, error)
	List(ctx context.Context) ([]*SecurityShield, error)
	Update(ctx context.Context, s *SecurityShield) error
	Delete(ctx context.Context, id string) error
}
