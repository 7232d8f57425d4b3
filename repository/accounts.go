package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-authcore"
)

// AccountRepository implements auth.Accounts on bun.
type AccountRepository struct {
	db  bun.IDB
	now auth.Clock
}

var _ auth.Accounts = (*AccountRepository)(nil)

// AccountOption configures an AccountRepository.
type AccountOption func(*AccountRepository)

// WithAccountClock overrides the clock used for timestamps.
func WithAccountClock(clock auth.Clock) AccountOption {
	return func(r *AccountRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewAccountRepository creates a new repository.
func NewAccountRepository(db bun.IDB, opts ...AccountOption) *AccountRepository {
	r := &AccountRepository{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// FindByIdentifier looks up an account by its normalized login identifier.
func (r *AccountRepository) FindByIdentifier(ctx context.Context, identifier string) (*auth.Account, error) {
	account := new(auth.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("identifier = ?", identifier).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return account, nil
}

// FindByID implements auth.Accounts.
func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*auth.Account, error) {
	account := new(auth.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return account, nil
}

// Create inserts account with version 1. Missing ids and timestamps are
// filled in.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) (*auth.Account, error) {
	if account == nil {
		return nil, errors.New("account is required")
	}
	record := account.Clone()
	now := r.now().UTC()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1
	record.EnsureStatus()
	storable(record)

	if _, err := r.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert account %s: %w", record.Identifier, err)
	}
	return record, nil
}

// Update writes account only when the stored version still matches
// account.Version. On success the version on account is bumped.
func (r *AccountRepository) Update(ctx context.Context, account *auth.Account) error {
	if account == nil {
		return errors.New("account is required")
	}
	next := account.Clone()
	next.Version = account.Version + 1
	next.UpdatedAt = r.now().UTC()
	storable(next)

	res, err := r.db.NewUpdate().
		Model(next).
		ExcludeColumn("id", "created_at").
		WherePK().
		Where("version = ?", account.Version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	if n == 0 {
		return auth.ErrVersionConflict
	}

	account.Version = next.Version
	account.UpdatedAt = next.UpdatedAt
	return nil
}

// ListExpiredLocks returns LOCKED accounts whose lock expired at or before now,
// oldest first.
func (r *AccountRepository) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]*auth.Account, error) {
	var accounts []*auth.Account
	q := r.db.NewSelect().
		Model(&accounts).
		Where("status = ?", auth.AccountStatusLocked).
		Where("locked_until IS NOT NULL").
		Where("locked_until <= ?", now.UTC()).
		Order("locked_until ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return accounts, nil
}

// storable stores timestamps in UTC so SQLite text comparisons order them.
func storable(a *auth.Account) {
	if a.Roles == nil {
		a.Roles = []string{}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	for _, t := range []*time.Time{a.LockedUntil, a.LastLoginAt, a.DeletedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}
