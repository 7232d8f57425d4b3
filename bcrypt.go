package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = errors.New("password must not be empty")

// ErrMismatchedHashAndPassword is returned when the secret does not match
var ErrMismatchedHashAndPassword = errors.New("password does not match hash")

// BcryptVerifier hashes and compares passwords with bcrypt. The comparison
// in x/crypto/bcrypt is constant time.
type BcryptVerifier struct {
	Cost int
}

// NewBcryptVerifier returns a verifier with the given cost, falling back to
// bcrypt.DefaultCost when out of range.
func NewBcryptVerifier(cost int) BcryptVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return BcryptVerifier{Cost: cost}
}

// HashPassword will generate a password hash
func (v BcryptVerifier) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString
	}

	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func (v BcryptVerifier) ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatchedHashAndPassword
		}
		return err
	}
	return nil
}

// HashPassword hashes with the default verifier.
func HashPassword(password string) (string, error) {
	return BcryptVerifier{}.HashPassword(password)
}

// ComparePasswordAndHash compares with the default verifier.
func ComparePasswordAndHash(password, hash string) error {
	return BcryptVerifier{}.ComparePasswordAndHash(password, hash)
}
