package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/keyshield/internal/factors"
)

// PostgresStore persists shields in PostgreSQL. The factor matrix is
// stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed shield store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *SecurityShield) error {
	matrixJSON, err := json.Marshal(s.Matrix)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO security_shields (id, name, matrix, auth_signing_factor, days_until_auto_confirm, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Name, matrixJSON, s.AuthenticationSigningFactor.String(),
		int(s.DaysUntilAutoConfirm), s.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SecurityShield, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, matrix, auth_signing_factor, days_until_auto_confirm, created_at
		FROM security_shields WHERE id = $1`, id)
	s, err := scanShield(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShieldNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*SecurityShield, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, matrix, auth_signing_factor, days_until_auto_confirm, created_at
		FROM security_shields
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SecurityShield
	for rows.Next() {
		s, err := scanShield(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, s *SecurityShield) error {
	matrixJSON, err := json.Marshal(s.Matrix)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE security_shields
		SET name = $1, matrix = $2, auth_signing_factor = $3, days_until_auto_confirm = $4
		WHERE id = $5`,
		s.Name, matrixJSON, s.AuthenticationSigningFactor.String(), int(s.DaysUntilAutoConfirm), s.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrShieldNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM security_shields WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrShieldNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShield(row scanner) (*SecurityShield, error) {
	s := &SecurityShield{}
	var matrixJSON []byte
	var auth string
	var days int
	if err := row.Scan(&s.ID, &s.Name, &matrixJSON, &auth, &days, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(matrixJSON, &s.Matrix); err != nil {
		return nil, fmt.Errorf("corrupt matrix for shield %s: %w", s.ID, err)
	}
	id, err := factors.ParseFactorSourceID(auth)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth factor for shield %s: %w", s.ID, err)
	}
	s.AuthenticationSigningFactor = id
	s.DaysUntilAutoConfirm = uint16(days)
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
