package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// MinPasswordLength is the shortest password accepted on register and reset.
const MinPasswordLength = 8

// dummyHash is compared against when the account does not exist so the
// response time does not reveal whether an email is registered.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3TGqyeF1/bLzaEEX2Xq4h1u")

// HashPassword hashes a plain password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", &shared.ValidationError{Fields: map[string]string{
			"password": fmt.Sprintf("must be at least %d characters", MinPasswordLength),
		}}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// passwordFingerprint is a short digest of the stored hash. bcrypt salts every
// hash, so it changes on every password change.
func passwordFingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

func fingerprintMatches(fingerprint, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(fingerprint), []byte(passwordFingerprint(hash))) == 1
}
