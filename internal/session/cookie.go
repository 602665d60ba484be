package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CookieName is the cookie carrying the signed session storage key.
const CookieName = "wa_session"

// Cookies issues and validates signed session storage keys.
type Cookies struct {
	secret []byte
	maxAge time.Duration
	secure bool
}

// NewCookies creates a cookie codec signing keys with secret.
func NewCookies(secret string, maxAge time.Duration, secure bool) Cookies {
	return Cookies{secret: []byte(secret), maxAge: maxAge, secure: secure}
}

// Key returns the storage key carried by r, issuing a new one on w when the
// cookie is missing or its signature does not match.
func (c Cookies) Key(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(CookieName); err == nil {
		if key, ok := c.open(ck.Value); ok {
			return key
		}
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    c.seal(key),
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (c Cookies) seal(key string) string {
	return key + "." + c.mac(key)
}

func (c Cookies) open(value string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 || idx == len(value)-1 {
		return "", false
	}
	key, sig := value[:idx], value[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(c.mac(key))) {
		return "", false
	}
	return key, true
}

func (c Cookies) mac(key string) string {
	m := hmac.New(sha256.New, c.secret)
	m.Write([]byte(key))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
