package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medconnect/realtime/internal/platform/db"
)

type sessionRepoPG struct{ pool *pgxpool.Pool }

// NewSessionRepoPG creates a new PostgreSQL-backed session repository.
func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

const sessionCols = `id, token_hash, user_id, kind, expires_at, created_at, user_agent, ip`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TokenHash, &s.UserID, &s.Kind, &s.ExpiresAt, &s.CreatedAt, &s.UserAgent, &s.IP)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return &s, err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO session (id, token_hash, user_id, kind, expires_at, created_at, user_agent, ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.TokenHash, s.UserID, s.Kind, s.ExpiresAt, s.CreatedAt, s.UserAgent, s.IP)
	return err
}

func (r *sessionRepoPG) GetByTokenHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session WHERE token_hash = $1`, hash))
}

func (r *sessionRepoPG) DeleteByTokenHash(ctx context.Context, hash string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM session WHERE token_hash = $1`, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepoPG) LockUser(ctx context.Context, userID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID)
	return err
}

func (r *sessionRepoPG) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM session WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *sessionRepoPG) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM session WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *sessionRepoPG) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+sessionCols+` FROM session WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

type identityRepoPG struct{ pool *pgxpool.Pool }

// NewIdentityRepoPG creates a read-mostly repository over the app_user table.
func NewIdentityRepoPG(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepoPG{pool: pool}
}

const identityCols = `id, email, role, is_active, hospital_id, pharmacy_id, laboratory_id, insurance_id`

func scanIdentity(row pgx.Row, extra ...interface{}) (*Identity, error) {
	var i Identity
	dest := append([]interface{}{&i.ID, &i.Email, &i.Role, &i.Active,
		&i.HospitalID, &i.PharmacyID, &i.LaboratoryID, &i.InsuranceID}, extra...)
	err := row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *identityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return scanIdentity(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+identityCols+` FROM app_user WHERE id = $1`, id))
}

func (r *identityRepoPG) GetByEmail(ctx context.Context, email string) (*Identity, string, error) {
	var hash string
	ident, err := scanIdentity(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+identityCols+`, password_hash FROM app_user WHERE lower(email) = $1`, email), &hash)
	if err != nil {
		return nil, "", err
	}
	return ident, hash, nil
}

func (r *identityRepoPG) GetPasswordHash(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT password_hash FROM app_user WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrIdentityNotFound
	}
	return hash, err
}

func (r *identityRepoPG) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE app_user SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (r *identityRepoPG) ListActiveIDsByRole(ctx context.Context, role Role) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `SELECT id FROM app_user WHERE is_active AND role = $1 ORDER BY id`, role)
}

// affiliationColumns maps an affiliation to its app_user column. The map keeps
// caller input out of the SQL text.
var affiliationColumns = map[Affiliation]string{
	AffiliationHospital:   "hospital_id",
	AffiliationPharmacy:   "pharmacy_id",
	AffiliationLaboratory: "laboratory_id",
	AffiliationInsurance:  "insurance_id",
}

func (r *identityRepoPG) ListActiveIDsByAffiliation(ctx context.Context, a Affiliation, orgID uuid.UUID, role *Role) ([]uuid.UUID, error) {
	col, ok := affiliationColumns[a]
	if !ok {
		return nil, errors.New("unknown affiliation: " + string(a))
	}
	if role != nil {
		return r.listIDs(ctx, `SELECT id FROM app_user WHERE is_active AND `+col+` = $1 AND role = $2 ORDER BY id`, orgID, *role)
	}
	return r.listIDs(ctx, `SELECT id FROM app_user WHERE is_active AND `+col+` = $1 ORDER BY id`, orgID)
}

func (r *identityRepoPG) listIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
