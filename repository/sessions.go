package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-authcore"
)

// SessionRepository implements auth.SessionStore on bun.
type SessionRepository struct {
	db bun.IDB
}

var _ auth.SessionStore = (*SessionRepository)(nil)

// NewSessionRepository creates a new repository.
func NewSessionRepository(db bun.IDB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreateSession implements auth.SessionStore.
func (r *SessionRepository) CreateSession(ctx context.Context, session *auth.Session) error {
	record := session.Clone()
	record.CreatedAt = record.CreatedAt.UTC()
	record.LastSeenAt = record.LastSeenAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if _, err := r.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

// FindSession returns auth.ErrNotFound for unknown ids.
func (r *SessionRepository) FindSession(ctx context.Context, id string) (*auth.Session, error) {
	session := new(auth.Session)
	err := r.db.NewSelect().
		Model(session).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

// TouchSession records activity and pushes the expiry forward. The expiry
// never moves backwards.
func (r *SessionRepository) TouchSession(ctx context.Context, id string, seenAt, expiresAt time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*auth.Session)(nil)).
		Set("last_seen_at = ?", seenAt.UTC()).
		Set("expires_at = CASE WHEN expires_at < ? THEN ? ELSE expires_at END", expiresAt.UTC(), expiresAt.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if affected(res) == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// ListSessions returns the unrevoked, unexpired sessions of accountID,
// newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, accountID string, now time.Time) ([]*auth.Session, error) {
	var sessions []*auth.Session
	err := r.db.NewSelect().
		Model(&sessions).
		Where("account_id = ?", accountID).
		Where("revoked_at IS NULL").
		Where("expires_at > ?", now.UTC()).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions %s: %w", accountID, err)
	}
	return sessions, nil
}

// RevokeSession reports whether the session was active until this call.
func (r *SessionRepository) RevokeSession(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*auth.Session)(nil)).
		Set("revoked_at = ?", at.UTC()).
		Set("revoke_reason = ?", reason).
		Where("id = ?", id).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("revoke session %s: %w", id, err)
	}
	return affected(res) > 0, nil
}

// RevokeSessions ends every active session of accountID except keep and
// returns how many it ended. An empty keep ends them all.
func (r *SessionRepository) RevokeSessions(ctx context.Context, accountID, keep, reason string, at time.Time) (int, error) {
	q := r.db.NewUpdate().
		Model((*auth.Session)(nil)).
		Set("revoked_at = ?", at.UTC()).
		Set("revoke_reason = ?", reason).
		Where("account_id = ?", accountID).
		Where("revoked_at IS NULL")
	if keep != "" {
		q = q.Where("id <> ?", keep)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions of %s: %w", accountID, err)
	}
	return affected(res), nil
}

// PurgeSessions deletes sessions that expired before now.
func (r *SessionRepository) PurgeSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*auth.Session)(nil)).
		Where("expires_at < ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return affected(res), nil
}
