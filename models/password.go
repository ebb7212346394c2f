package models

import (
	"encoding/base64"
	"errors"

	"github.com/dekarrin/graphite"
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used for new password hashes.
var PasswordCost = 14

// minPasswordLength is the fewest characters a plain-text password may have.
const minPasswordLength = 3

// HashPassword returns the stored form of password: a base64-encoded bcrypt
// hash.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", graphite.NewError("password is too short", graphite.ErrBadArgument)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		if err == bcrypt.ErrPasswordTooLong {
			return "", graphite.NewError("password is too long", err, graphite.ErrBadArgument)
		} else {
			return "", graphite.NewError("password could not be encrypted", err)
		}
	}

	return base64.StdEncoding.EncodeToString(passHash), nil
}

// CheckPassword returns nil if password matches the stored hash. A mismatch
// gives an error that matches graphite.ErrBadCredentials.
func CheckPassword(password, hash string) error {
	bcryptHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return graphite.NewError("stored password is not a hash", err, graphite.ErrBadCredentials)
	}

	err = bcrypt.CompareHashAndPassword(bcryptHash, []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return graphite.ErrBadCredentials
		}
		return graphite.NewError("", err, graphite.ErrBadCredentials)
	}
	return nil
}

// IsHash returns whether s is a password hash produced by HashPassword.
func IsHash(s string) bool {
	bcryptHash, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	_, err = bcrypt.Cost(bcryptHash)
	return err == nil
}
