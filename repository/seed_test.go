package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-authcore"
)

const seedYAML = `
accounts:
  - identifier: Owner@Example.com
    password: owner-secret
    roles: [PLATFORM_OWNER]
  - identifier: pending@example.com
    password: pending-secret
    roles: [CUSTOMER]
    status: PENDING_VERIFICATION
`

func TestSeeder_CreatesMissingAccounts(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccountRepository(setupDB(t))
	verifier := auth.NewBcryptVerifier(4)
	seeder := Seeder{Accounts: accounts, Verifier: verifier}

	n, err := seeder.SeedAccounts(ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	owner, err := accounts.FindByIdentifier(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.AccountStatusActive, owner.Status)
	assert.NoError(t, verifier.ComparePasswordAndHash("owner-secret", owner.PasswordHash))

	pending, err := accounts.FindByIdentifier(ctx, "pending@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.AccountStatusPending, pending.Status)

	n, err = seeder.SeedAccounts(ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSeeder_RejectsUnknownRole(t *testing.T) {
	seeder := Seeder{
		Accounts: NewAccountRepository(setupDB(t)),
		Verifier: auth.NewBcryptVerifier(4),
	}
	_, err := seeder.SeedAccounts(context.Background(), strings.NewReader(`
accounts:
  - identifier: x@example.com
    password: pw
    roles: [WIZARD]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WIZARD")
}
