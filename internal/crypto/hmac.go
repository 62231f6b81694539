package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// APICredentials are the L2 credentials issued by the CLOB for a wallet.
type APICredentials struct {
	Key        string
	Secret     string // base64 (URL-safe or standard)
	Passphrase string
}

// Empty reports whether no credentials are set.
func (c APICredentials) Empty() bool {
	return c.Key == "" && c.Secret == "" && c.Passphrase == ""
}

// L2Headers returns the authentication headers for a CLOB request signed now.
func (c APICredentials) L2Headers(address, method, path, body string) map[string]string {
	return c.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers with an explicit Unix timestamp.
// POLY_SIGNATURE is base64url(HMAC-SHA256(secret, ts+method+path+body)).
func (c APICredentials) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	mac := hmac.New(sha256.New, decodeSecret(c.Secret))
	mac.Write([]byte(ts + method + path + body))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// decodeSecret accepts either base64 alphabet and falls back to raw bytes so
// a malformed secret yields a rejected request rather than a panic.
func decodeSecret(s string) []byte {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}

// String returns a redacted representation suitable for logging.
func (c APICredentials) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APICredentials{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}
