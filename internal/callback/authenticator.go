package callback

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/renderforge/server/internal/secrets"
)

const tokenBytes = 32

// MintToken issues a fresh callback token. The raw hex token goes to the
// external executor and nowhere else; only its SHA-256 hash is persisted.
func MintToken() (raw, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("mint callback token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken returns the hex SHA-256 digest stored in place of the token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticator verifies per-job single-use bearer tokens against their
// stored hash, with a shared-secret fallback for jobs that predate the
// per-job scheme. Both arms compare in constant time.
type Authenticator struct {
	vault           *secrets.Vault
	legacyEncrypted string
}

func NewAuthenticator(vault *secrets.Vault, legacyEncryptedSecret string) *Authenticator {
	return &Authenticator{vault: vault, legacyEncrypted: legacyEncryptedSecret}
}

// Verify checks a presented token for a job whose options carry storedHash.
// Jobs without a stored hash fall back to the legacy shared secret. The
// caller must answer a failed verification identically to an unknown job so
// the endpoint cannot be used as a token-validity oracle.
func (a *Authenticator) Verify(presented, storedHash string) bool {
	if presented == "" {
		return false
	}
	if storedHash != "" {
		return constantTimeDigestEqual(presented, storedHash)
	}
	return a.verifyLegacy(presented)
}

func (a *Authenticator) verifyLegacy(presented string) bool {
	if a.vault == nil || a.legacyEncrypted == "" {
		return false
	}
	secret, err := a.vault.Decrypt(a.legacyEncrypted)
	if err != nil || secret == "" {
		return false
	}
	// Comparing digests keeps the comparison constant-time regardless of
	// the presented token's length.
	want := sha256.Sum256([]byte(secret))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

func constantTimeDigestEqual(presented, storedHashHex string) bool {
	stored, err := hex.DecodeString(storedHashHex)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(got[:], stored) == 1
}
