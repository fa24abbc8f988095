// Package secrets produces the single-use tokens that redeem staged records.
package secrets

import (
	"fmt"

	"github.com/dmitrijs2005/keydir/internal/common"
)

// SecretLength is the length of every staging secret in characters.
const SecretLength = 48

// Generator produces staging secrets.
type Generator interface {
	Generate() (string, error)
}

// Random draws secrets from crypto/rand and hex encodes them.
type Random struct{}

// NewRandom returns the default generator.
func NewRandom() Random {
	return Random{}
}

// Generate returns SecretLength lowercase hex characters.
func (Random) Generate() (string, error) {
	s, err := common.MakeRandHexString(SecretLength / 2)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return s, nil
}
