package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/govtt/govtt"
)

// jwtSecret signs GM session cookies. Deployments override it through the
// environment before serving traffic.
var jwtSecret = []byte("replace-with-strong-secret")

const sessionCookie = "session"

// SessionClaims is the JWT payload of a GM session.
type SessionClaims struct {
	GmURL string `json:"gm_url"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// issueSession creates a signed session token for a GM.
func issueSession(gm *GM) (string, error) {
	claims := SessionClaims{
		GmURL: gm.URL,
		Name:  gm.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
			Subject:   gm.Identity,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// sessionGm extracts the GM URL from the request's session cookie. Empty
// when the cookie is absent or invalid.
func sessionGm(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	return claims.GmURL
}

// upsertGm persists a GM row for an authenticated identity, refreshes its
// session token, and (re)inserts the cache entry. The login collaborator
// (OAuth) supplies identity and display name; relogin is legal and drops the
// prior cache.
func (e *Engine) upsertGm(name, url, identity string) (*GM, error) {
	if !govtt.SlugPattern.MatchString(url) {
		return nil, errors.New("invalid gm url")
	}

	var gm GM
	err := e.main.Where("identity = ?", identity).First(&gm).Error
	if err != nil {
		gm = GM{Name: name, URL: url, Identity: identity}
	} else {
		gm.Name = name
	}
	gm.Timeid = time.Now()

	sid, err := issueSession(&gm)
	if err != nil {
		return nil, err
	}
	gm.Sid = sid

	if err := e.main.Save(&gm).Error; err != nil {
		return nil, err
	}
	if _, err := e.InsertGm(&gm); err != nil {
		return nil, err
	}
	return &gm, nil
}
