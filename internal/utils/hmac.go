package utils

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// HMAC returns the hex HMAC-SHA-512 of msg under key.
func HMAC(key, msg []byte) string {
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether sig is the hex HMAC-SHA-512 of msg under key.
// The comparison is constant time.
func VerifyHMAC(key, msg []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), got)
}
