package pinguard

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Hasher produces and checks salted one-way PIN hashes.
type Hasher interface {
	Hash(pin string) (string, error)
	Compare(hash, pin string) (bool, error)
}

// BcryptHasher hashes with bcrypt. A zero Cost uses bcrypt.DefaultCost.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(pin string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare reports whether pin matches hash. A mismatch is not an error.
func (h BcryptHasher) Compare(hash, pin string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}
