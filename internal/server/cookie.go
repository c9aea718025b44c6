package server

import (
	"encoding/base64"
	"net/http"
	"strings"
)

const sessionCookieName = "__Host-session"

// setSessionCookie issues the double-submit session cookie:
// sessionId|base64(cookieToken), scoped to the whole origin with the
// __Host- prefix's implied Secure + Path=/ + no-Domain guarantees.
func setSessionCookie(w http.ResponseWriter, sessionID string, cookieToken []byte, secure bool, maxAgeSeconds int) {
	value := sessionID + "|" + base64.StdEncoding.EncodeToString(cookieToken)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAgeSeconds,
	})
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// parseSessionCookie splits the cookie value into its session id and
// cookie token.
func parseSessionCookie(r *http.Request) (sessionID string, cookieToken []byte, ok bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", nil, false
	}
	parts := strings.SplitN(c.Value, "|", 2)
	if len(parts) != 2 {
		return "", nil, false
	}
	token, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, false
	}
	return parts[0], token, true
}
