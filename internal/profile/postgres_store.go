package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/keyshield/internal/factors"
)

// PostgresStore persists entities and factor sources in PostgreSQL.
// Entity control is stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) GetEntity(ctx context.Context, addr factors.EntityAddress) (*Entity, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, kind, name, control, created_at, updated_at
		FROM entities WHERE address = $1`, string(addr))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

func (p *PostgresStore) CreateEntity(ctx context.Context, e *Entity) error {
	controlJSON, err := json.Marshal(e.Control)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO entities (address, kind, name, control, securified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.Address), string(e.Kind), e.Name, controlJSON, e.IsSecurified(), e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrEntityExists
	}
	return err
}

func (p *PostgresStore) UpdateEntity(ctx context.Context, e *Entity) error {
	controlJSON, err := json.Marshal(e.Control)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE entities SET name = $1, control = $2, securified = $3, updated_at = $4
		WHERE address = $5`,
		e.Name, controlJSON, e.IsSecurified(), e.UpdatedAt, string(e.Address),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntityNotFound
	}
	return nil
}

func (p *PostgresStore) ListEntities(ctx context.Context) ([]*Entity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, kind, name, control, created_at, updated_at
		FROM entities ORDER BY address ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddFactorSource(ctx context.Context, fs factors.FactorSource) error {
	var lastUsed sql.NullTime
	if !fs.LastUsedAt.IsZero() {
		lastUsed = sql.NullTime{Time: fs.LastUsedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO factor_sources (id, kind, label, added_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5)`,
		fs.ID.String(), string(fs.ID.Kind), fs.Label, fs.AddedAt, lastUsed,
	)
	if isUniqueViolation(err) {
		return ErrFactorSourceExists
	}
	return err
}

func (p *PostgresStore) GetFactorSource(ctx context.Context, id factors.FactorSourceID) (factors.FactorSource, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, label, added_at, last_used_at FROM factor_sources WHERE id = $1`, id.String())
	fs, err := scanFactorSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return factors.FactorSource{}, ErrFactorSourceNotFound
	}
	return fs, err
}

func (p *PostgresStore) ListFactorSources(ctx context.Context) ([]factors.FactorSource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, label, added_at, last_used_at FROM factor_sources ORDER BY added_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []factors.FactorSource
	for rows.Next() {
		fs, err := scanFactorSource(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fs)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*Entity, error) {
	e := &Entity{}
	var addr, kind string
	var controlJSON []byte
	if err := row.Scan(&addr, &kind, &e.Name, &controlJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Address = factors.EntityAddress(addr)
	e.Kind = factors.EntityKind(kind)
	if err := json.Unmarshal(controlJSON, &e.Control); err != nil {
		return nil, fmt.Errorf("corrupt control for entity %s: %w", addr, err)
	}
	return e, nil
}

func scanFactorSource(row scanner) (factors.FactorSource, error) {
	var fs factors.FactorSource
	var id string
	var lastUsed sql.NullTime
	if err := row.Scan(&id, &fs.Label, &fs.AddedAt, &lastUsed); err != nil {
		return factors.FactorSource{}, err
	}
	parsed, err := factors.ParseFactorSourceID(id)
	if err != nil {
		return factors.FactorSource{}, fmt.Errorf("corrupt factor source id %q: %w", id, err)
	}
	fs.ID = parsed
	if lastUsed.Valid {
		fs.LastUsedAt = lastUsed.Time
	}
	return fs, nil
}

var _ Store = (*PostgresStore)(nil)
