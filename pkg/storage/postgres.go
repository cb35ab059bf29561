package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// PostgresStore is the production ClaimsStorage backed by the claims table.
// Change events are emitted in-process after a successful commit; a single
// dashboard instance owns the table, so no cross-process notification is
// needed.
type PostgresStore struct {
	db *sql.DB

	subscriberSet
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ ClaimsStorage = (*PostgresStore)(nil)

const claimColumns = `id, issue_id, source, source_ref, title, description,
	status, claimant, progress, context, metadata, labels, created_at, updated_at`

// GetClaim looks a claim up by server-minted ID.
func (s *PostgresStore) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	return scanClaim(row)
}

// GetClaimByIssueID looks a claim up by external issue ID.
func (s *PostgresStore) GetClaimByIssueID(ctx context.Context, issueID string) (*models.Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE issue_id = $1`, issueID)
	return scanClaim(row)
}

// ListClaims returns claims matching the filter, oldest first.
func (s *PostgresStore) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}

	query := `SELECT ` + claimColumns + ` FROM claims`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, issue_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var out []*models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		// Claimant type filtering needs the decoded claimant, so apply it here
		// instead of in SQL.
		if filter.ClaimantType != "" {
			if claim.Claimant == nil || claim.Claimant.Type != filter.ClaimantType {
				continue
			}
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

// CreateClaim persists a new claim and emits a created event.
func (s *PostgresStore) CreateClaim(ctx context.Context, claim *models.Claim) (*models.Claim, error) {
	stored := claim.Clone()
	if err := validateNewClaim(stored); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	metadata, labels, err := encodeJSONFields(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claims (`+claimColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		stored.ID, stored.IssueID, string(stored.Source), stored.SourceRef,
		stored.Title, stored.Description, string(stored.Status),
		encodeClaimant(stored.Claimant), stored.Progress, stored.Context,
		metadata, labels, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert claim: %w", err)
	}

	snapshot := stored.Clone()
	s.emit(ChangeEvent{Type: ChangeCreated, Claim: snapshot})
	return snapshot, nil
}

// UpdateClaim applies a partial update inside a transaction (row-locked so
// concurrent updates serialize) and emits an updated event after commit.
func (s *PostgresStore) UpdateClaim(ctx context.Context, id string, update models.ClaimUpdate) (*models.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, id)
	current, err := scanClaim(row)
	if err != nil {
		return nil, err
	}

	next, changes, err := normalizeUpdate(current, update)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return current, nil
	}
	next.UpdatedAt = time.Now().UTC()

	metadata, labels, err := encodeJSONFields(next)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE claims SET title = $2, description = $3, status = $4,
		   claimant = $5, progress = $6, context = $7, metadata = $8,
		   labels = $9, updated_at = $10
		 WHERE id = $1`,
		id, next.Title, next.Description, string(next.Status),
		encodeClaimant(next.Claimant), next.Progress, next.Context,
		metadata, labels, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	snapshot := next.Clone()
	s.emit(ChangeEvent{Type: ChangeUpdated, Claim: snapshot, Changes: changes})
	return snapshot, nil
}

// DeleteClaim removes a claim and emits a deleted event.
func (s *PostgresStore) DeleteClaim(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM claims WHERE id = $1 RETURNING `+claimColumns, id)
	claim, err := scanClaim(row)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.emit(ChangeEvent{Type: ChangeDeleted, Claim: claim})
	return true, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(row scanner) (*models.Claim, error) {
	var (
		claim    models.Claim
		source   string
		status   string
		claimant sql.NullString
		metadata []byte
		labels   []byte
	)
	err := row.Scan(&claim.ID, &claim.IssueID, &source, &claim.SourceRef,
		&claim.Title, &claim.Description, &status, &claimant,
		&claim.Progress, &claim.Context, &metadata, &labels,
		&claim.CreatedAt, &claim.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}

	claim.Source = models.Source(source)
	claim.Status = models.ClaimStatus(status)
	if claimant.Valid && claimant.String != "" {
		c, err := models.ParseClaimant(claimant.String)
		if err != nil {
			return nil, fmt.Errorf("decode claimant: %w", err)
		}
		claim.Claimant = c
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &claim.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &claim.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return &claim, nil
}

// encodeClaimant stores the claimant in its compact wire encoding; NULL when
// unclaimed.
func encodeClaimant(c *models.Claimant) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: c.String(), Valid: true}
}

func encodeJSONFields(claim *models.Claim) (metadata, labels []byte, err error) {
	if claim.Metadata != nil {
		metadata, err = json.Marshal(claim.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	if claim.Labels != nil {
		labels, err = json.Marshal(claim.Labels)
		if err != nil {
			return nil, nil, fmt.Errorf("encode labels: %w", err)
		}
	}
	return metadata, labels, nil
}

// isUniqueViolation detects Postgres unique-constraint errors (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
