package impl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
)

// macHeader computes the webhook Authorization header value. Two nested
// HMAC-SHA256 computations keyed by the subscription secret: one over the
// body, one over a canonical string binding timestamp, nonce, method and
// target so a capture can't be replayed elsewhere.
func macHeader(clientID, secret string, u *url.URL, body []byte, tsMs int64, nonce string) string {
	bodyHash := b64HMAC(secret, body)

	canonical := fmt.Sprintf("%d\n%s\nPOST\n%s\n%s\n%s\n%s\n",
		tsMs, nonce, u.Path, u.Hostname(), portOf(u), bodyHash)
	mac := b64HMAC(secret, []byte(canonical))

	return fmt.Sprintf(`MAC id="%s" ts="%d" nonce="%s" bodyhash="%s" mac="%s"`,
		clientID, tsMs, nonce, bodyHash, mac)
}

func b64HMAC(secret string, data []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}
