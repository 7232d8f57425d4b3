package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-authcore"
)

// RoleRepository persists the role table.
type RoleRepository struct {
	repository.Repository[*auth.Role]
	db *bun.DB
}

// NewRoleRepository builds the generic role repository keyed by name.
func NewRoleRepository(db *bun.DB) *RoleRepository {
	handlers := repository.ModelHandlers[*auth.Role]{
		NewRecord: func() *auth.Role {
			return &auth.Role{}
		},
		GetID: func(record *auth.Role) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *auth.Role, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	}
	return &RoleRepository{
		Repository: repository.NewRepository(db, handlers),
		db:         db,
	}
}

// Sync inserts every role of table that is not stored yet and returns how
// many were created. Stored permission sets are left untouched: roles are
// immutable once published.
func (r *RoleRepository) Sync(ctx context.Context, table *auth.RoleTable) (int, error) {
	created := 0
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, role := range table.Roles() {
			_, err := r.GetByIdentifierTx(ctx, tx, role.Name)
			if err == nil {
				continue
			}
			if !repository.IsRecordNotFound(err) {
				return fmt.Errorf("lookup role %s: %w", role.Name, err)
			}

			record := &auth.Role{
				ID:          uuid.New(),
				Name:        role.Name,
				Description: role.Description,
				Permissions: slices.Clone(role.Permissions),
				CreatedAt:   time.Now().UTC(),
			}
			if _, err := r.CreateTx(ctx, tx, record); err != nil {
				return fmt.Errorf("create role %s: %w", role.Name, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Table loads every stored role into a RoleTable.
func (r *RoleRepository) Table(ctx context.Context) (*auth.RoleTable, error) {
	var roles []auth.Role
	if err := r.db.NewSelect().Model(&roles).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return auth.NewRoleTable(roles...)
}
