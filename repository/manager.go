package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-authcore"
)

// Manager exposes all repositories backed by one database.
type Manager struct {
	db          *bun.DB
	accounts    *AccountRepository
	revocations *RevocationRepository
	sessions    *SessionRepository
	roles       *RoleRepository
}

// NewManager wires the repositories on db.
func NewManager(db *bun.DB, opts ...AccountOption) *Manager {
	return &Manager{
		db:          db,
		accounts:    NewAccountRepository(db, opts...),
		revocations: NewRevocationRepository(db),
		sessions:    NewSessionRepository(db),
		roles:       NewRoleRepository(db),
	}
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}
	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}
	if m.revocations == nil {
		return errors.New("repository revocations should be initialized")
	}
	if m.sessions == nil {
		return errors.New("repository sessions should be initialized")
	}
	if m.roles == nil {
		return errors.New("repository roles should be initialized")
	}
	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *Manager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

// Ping checks the database is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *Manager) DB() *bun.DB {
	return m.db
}

func (m *Manager) Accounts() auth.Accounts {
	return m.accounts
}

func (m *Manager) Revocations() auth.RevocationStore {
	return m.revocations
}

func (m *Manager) Sessions() auth.SessionStore {
	return m.sessions
}

func (m *Manager) Roles() *RoleRepository {
	return m.roles
}
