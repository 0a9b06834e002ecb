package solana

import (
	"github.com/mr-tron/base58"
	"github.com/rotisserie/eris"
)

// PublicKeyLength is the size of an ed25519 public key.
const PublicKeyLength = 32

// ValidateAddress checks that s is a base58-encoded 32-byte public key.
func ValidateAddress(s string) error {
	if s == "" {
		return eris.New("solana: empty address")
	}
	b, err := base58.Decode(s)
	if err != nil {
		return eris.Wrapf(err, "solana: invalid address %q", s)
	}
	if len(b) != PublicKeyLength {
		return eris.Errorf("solana: address %q decodes to %d bytes, want %d", s, len(b), PublicKeyLength)
	}
	return nil
}
