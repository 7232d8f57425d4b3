package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-authcore"
)

// RevocationRepository implements auth.RevocationStore on bun.
type RevocationRepository struct {
	db bun.IDB
}

var _ auth.RevocationStore = (*RevocationRepository)(nil)

// NewRevocationRepository creates a new repository.
func NewRevocationRepository(db bun.IDB) *RevocationRepository {
	return &RevocationRepository{db: db}
}

// Revoke inserts token and reports whether a row was written. Revoking an
// already revoked id writes nothing.
func (r *RevocationRepository) Revoke(ctx context.Context, token auth.RevokedToken) (bool, error) {
	token.RevokedAt = token.RevokedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()
	res, err := r.db.NewInsert().
		Model(&token).
		On("CONFLICT (token_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("revoke token %s: %w", token.TokenID, err)
	}
	return affected(res) > 0, nil
}

// IsRevoked implements auth.RevocationStore.
func (r *RevocationRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return r.db.NewSelect().
		Model((*auth.RevokedToken)(nil)).
		Where("token_id = ?", tokenID).
		Exists(ctx)
}

// RevokeSubject upserts the subject marker, keeping the latest revoked_at
// and expires_at.
func (r *RevocationRepository) RevokeSubject(ctx context.Context, marker auth.SubjectRevocation) error {
	marker.RevokedAt = marker.RevokedAt.UTC()
	marker.ExpiresAt = marker.ExpiresAt.UTC()

	current, found, err := r.subject(ctx, marker.Subject)
	if err != nil {
		return err
	}
	if found {
		if current.RevokedAt.After(marker.RevokedAt) {
			marker.RevokedAt = current.RevokedAt
			marker.Reason = current.Reason
		}
		if current.ExpiresAt.After(marker.ExpiresAt) {
			marker.ExpiresAt = current.ExpiresAt
		}
	}

	_, err = r.db.NewInsert().
		Model(&marker).
		On("CONFLICT (subject) DO UPDATE").
		Set("reason = EXCLUDED.reason").
		Set("revoked_at = EXCLUDED.revoked_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("revoke subject %s: %w", marker.Subject, err)
	}
	return nil
}

// SubjectRevokedAt implements auth.RevocationStore.
func (r *RevocationRepository) SubjectRevokedAt(ctx context.Context, subject string) (time.Time, bool, error) {
	marker, found, err := r.subject(ctx, subject)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	return marker.RevokedAt, true, nil
}

func (r *RevocationRepository) subject(ctx context.Context, subject string) (*auth.SubjectRevocation, bool, error) {
	marker := new(auth.SubjectRevocation)
	err := r.db.NewSelect().
		Model(marker).
		Where("subject = ?", subject).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return marker, true, nil
}

// PurgeExpired deletes token and subject entries that expired before now.
func (r *RevocationRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	total := 0

	res, err := r.db.NewDelete().
		Model((*auth.RevokedToken)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	total += affected(res)

	res, err = r.db.NewDelete().
		Model((*auth.SubjectRevocation)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return total, fmt.Errorf("purge subject revocations: %w", err)
	}
	total += affected(res)

	return total, nil
}

// Stats counts revoked tokens relative to now.
func (r *RevocationRepository) Stats(ctx context.Context, now time.Time) (auth.RevocationStats, error) {
	total, err := r.db.NewSelect().
		Model((*auth.RevokedToken)(nil)).
		Count(ctx)
	if err != nil {
		return auth.RevocationStats{}, err
	}

	expired, err := r.db.NewSelect().
		Model((*auth.RevokedToken)(nil)).
		Where("expires_at < ?", now.UTC()).
		Count(ctx)
	if err != nil {
		return auth.RevocationStats{}, err
	}

	return auth.RevocationStats{
		Total:   total,
		Expired: expired,
		Active:  total - expired,
	}, nil
}

func affected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
