package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the L2 credentials for authenticated CLOB requests.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret, URL-safe base64
	Passphrase string // API passphrase
}

// L2Headers returns the headers for an L2 (CLOB) request signed now.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers with a caller-supplied Unix timestamp. The
// signature is HMAC-SHA256 over timestamp+method+path+body, keyed with the
// decoded secret and encoded as URL-safe base64.
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sign(h.secretBytes(), ts+method+path+body),
	}
}

// secretBytes decodes the secret. Older credentials used standard base64;
// an undecodable secret is used raw and will be rejected by the venue.
func (h *HMACAuth) secretBytes() []byte {
	if b, err := base64.URLEncoding.DecodeString(h.Secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(h.Secret); err == nil {
		return b
	}
	return []byte(h.Secret)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

func sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
