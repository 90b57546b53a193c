// Package auth implements the two operator-unlocked tiers: bypass, which
// suspends non-critical blocking, and superadmin, which unlocks the
// operations even bypass cannot.
package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Dicklesworthstone/warden/internal/utils"
)

// TokenVersion is the only token format this build accepts.
const TokenVersion = 1

const saltLen = 32

var (
	errMalformedCredential = errors.New("malformed credential")
	errMalformedToken      = errors.New("malformed token")
	errMalformedActivity   = errors.New("malformed activity record")
)

// Credential is a salted SHA-512 passphrase hash, stored as salt_hex:hash_hex.
type Credential struct {
	Salt []byte
	Hash []byte
}

// HashPassphrase derives a credential with a fresh random salt.
func HashPassphrase(passphrase string) (Credential, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("generating salt: %w", err)
	}
	return Credential{Salt: salt, Hash: hashWithSalt(salt, passphrase)}, nil
}

func hashWithSalt(salt []byte, passphrase string) []byte {
	h := sha512.New()
	h.Write(salt)
	h.Write([]byte(passphrase))
	return h.Sum(nil)
}

// VerifyPassphrase reports whether passphrase matches c. The comparison is
// constant time.
func VerifyPassphrase(c Credential, passphrase string) bool {
	if len(c.Salt) == 0 || len(c.Hash) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(hashWithSalt(c.Salt, passphrase), c.Hash) == 1
}

// String encodes the credential file line.
func (c Credential) String() string {
	return hex.EncodeToString(c.Salt) + ":" + hex.EncodeToString(c.Hash)
}

// ParseCredential decodes a credential file line.
func ParseCredential(line string) (Credential, error) {
	saltHex, hashHex, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok {
		return Credential{}, errMalformedCredential
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return Credential{}, errMalformedCredential
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil || len(hash) != sha512.Size {
		return Credential{}, errMalformedCredential
	}
	return Credential{Salt: salt, Hash: hash}, nil
}

// DeriveKey returns the HMAC key for a tier. An empty info uses the stored
// hash directly; otherwise the key is HKDF-SHA512(hash, info).
func DeriveKey(c Credential, info string) ([]byte, error) {
	if info == "" {
		return c.Hash, nil
	}
	key := make([]byte, sha512.Size)
	if _, err := io.ReadFull(hkdf.New(sha512.New, c.Hash, c.Salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Token is an unlock token: version:created_epoch:expires_epoch:hmac_hex.
type Token struct {
	Version int
	Created time.Time
	Expires time.Time
	MAC     string
}

func tokenMessage(namespace string, version int, created, expires int64) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d:%d", namespace, version, created, expires))
}

// MintToken creates a token valid from created for maxDuration. The namespace
// is bound into the MAC so tokens of different tiers never verify for each
// other.
func MintToken(key []byte, namespace string, created time.Time, maxDuration time.Duration) Token {
	c := created.Unix()
	e := created.Add(maxDuration).Unix()
	return Token{
		Version: TokenVersion,
		Created: time.Unix(c, 0).UTC(),
		Expires: time.Unix(e, 0).UTC(),
		MAC:     utils.HMAC(key, tokenMessage(namespace, TokenVersion, c, e)),
	}
}

// String encodes the token file line.
func (t Token) String() string {
	return fmt.Sprintf("%d:%d:%d:%s", t.Version, t.Created.Unix(), t.Expires.Unix(), t.MAC)
}

// ParseToken decodes a token file line without verifying it.
func ParseToken(line string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 4 {
		return Token{}, errMalformedToken
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return Token{}, errMalformedToken
	}
	created, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Token{}, errMalformedToken
	}
	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Token{}, errMalformedToken
	}
	if _, err := hex.DecodeString(parts[3]); err != nil || parts[3] == "" {
		return Token{}, errMalformedToken
	}
	return Token{
		Version: version,
		Created: time.Unix(created, 0).UTC(),
		Expires: time.Unix(expires, 0).UTC(),
		MAC:     parts[3],
	}, nil
}

// VerifyToken recomputes the MAC over every field.
func VerifyToken(key []byte, namespace string, t Token) bool {
	if t.Version != TokenVersion {
		return false
	}
	return utils.VerifyHMAC(key, tokenMessage(namespace, t.Version, t.Created.Unix(), t.Expires.Unix()), t.MAC)
}

func activityMessage(namespace string, t Token, at int64) []byte {
	return []byte(fmt.Sprintf("%s/activity:%s:%d", namespace, t.MAC, at))
}

// SignActivity encodes the activity file line last_activity_epoch:hmac_hex.
// The MAC chains to the token so an activity record cannot be replayed
// against a different token.
func SignActivity(key []byte, namespace string, t Token, at time.Time) string {
	epoch := at.Unix()
	return fmt.Sprintf("%d:%s", epoch, utils.HMAC(key, activityMessage(namespace, t, epoch)))
}

// VerifyActivity parses and verifies an activity line.
func VerifyActivity(key []byte, namespace string, t Token, line string) (time.Time, error) {
	epochStr, mac, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok {
		return time.Time{}, errMalformedActivity
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return time.Time{}, errMalformedActivity
	}
	if !utils.VerifyHMAC(key, activityMessage(namespace, t, epoch), mac) {
		return time.Time{}, errMalformedActivity
	}
	return time.Unix(epoch, 0).UTC(), nil
}
