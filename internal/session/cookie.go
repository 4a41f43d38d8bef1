package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const CookieName = "sg_session"

func signID(secret, id string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignCookieValue returns "<id>.<hex hmac>".
func SignCookieValue(secret, id string) string {
	return id + "." + signID(secret, id)
}

func VerifyCookieValue(secret, value string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 || idx >= len(value)-1 {
		return "", false
	}
	id, sig := value[:idx], value[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(signID(secret, id))) {
		return "", false
	}
	return id, true
}
