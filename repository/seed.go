package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	auth "github.com/goliatone/go-authcore"
)

// SeedAccount is one entry of the account seed file.
type SeedAccount struct {
	Identifier string             `yaml:"identifier"`
	Password   string             `yaml:"password"`
	Roles      []string           `yaml:"roles"`
	Status     auth.AccountStatus `yaml:"status"`
	TenantID   string             `yaml:"tenant_id"`
}

type seedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// Seeder bootstraps accounts that do not exist yet.
type Seeder struct {
	Accounts   auth.Accounts
	Verifier   auth.PasswordVerifier
	Roles      *auth.RoleTable
	Normalizer auth.IdentifierNormalizer
	Logger     auth.Logger
}

// SeedAccountsFile reads path and seeds its accounts.
func (s Seeder) SeedAccountsFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return s.SeedAccounts(ctx, f)
}

// SeedAccounts creates every account listed in r whose identifier is not
// registered yet and returns how many were created. Existing accounts are
// never modified.
func (s Seeder) SeedAccounts(ctx context.Context, r io.Reader) (int, error) {
	if s.Accounts == nil || s.Verifier == nil {
		return 0, errors.New("seeder requires accounts and a password verifier")
	}
	roles := s.Roles
	if roles == nil {
		roles = auth.DefaultRoleTable()
	}
	logger := s.Logger
	if logger == nil {
		logger = auth.NopLogger()
	}

	var file seedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}

	created := 0
	for i, entry := range file.Accounts {
		identifier := s.Normalizer.Normalize(entry.Identifier)
		if identifier == "" || entry.Password == "" {
			return created, fmt.Errorf("seed entry %d: identifier and password are required", i)
		}
		for _, role := range entry.Roles {
			if !roles.Known(role) {
				return created, fmt.Errorf("seed entry %s: unknown role %q", identifier, role)
			}
		}

		_, err := s.Accounts.FindByIdentifier(ctx, identifier)
		if err == nil {
			logger.Debug("seed account exists", "identifier", identifier)
			continue
		}
		if !errors.Is(err, auth.ErrNotFound) {
			return created, fmt.Errorf("seed lookup %s: %w", identifier, err)
		}

		hash, err := s.Verifier.HashPassword(entry.Password)
		if err != nil {
			return created, fmt.Errorf("seed hash %s: %w", identifier, err)
		}

		status := entry.Status
		if status == "" {
			status = auth.AccountStatusActive
		}
		if !status.IsValid() || status == auth.AccountStatusLocked || status == auth.AccountStatusDeleted {
			return created, fmt.Errorf("seed entry %s: unsupported status %q", identifier, status)
		}

		_, err = s.Accounts.Create(ctx, &auth.Account{
			Identifier:   identifier,
			PasswordHash: hash,
			Roles:        entry.Roles,
			Status:       status,
			TenantID:     entry.TenantID,
		})
		if err != nil {
			return created, fmt.Errorf("seed create %s: %w", identifier, err)
		}
		logger.Info("seeded account", "identifier", identifier, "roles", entry.Roles)
		created++
	}
	return created, nil
}
