package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Sign computes the delivery signature over the timestamp and payload, so
// receivers can reject replayed requests.
func Sign(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret string, ts time.Time, payload []byte, signature string) bool {
	expected := Sign(secret, ts, payload)
	return hmac.Equal([]byte(signature), []byte(expected))
}
