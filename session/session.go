// Package session turns identity claims presented by clients into user ids.
//
// A claim is an HS256 JWT whose subject is the user id. Tokens are issued
// elsewhere; this package only verifies them.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"whiteboard-server/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AppClaims represents the claims carried by an identity token.
type AppClaims struct {
	jwt.RegisteredClaims
	Login string `json:"login,omitempty"`
}

// Resolver verifies identity claims and remembers which user each realtime
// connection belongs to.
type Resolver struct {
	secret []byte

	mu    sync.Mutex
	bound map[string]string // connection id -> user id
}

func NewResolver(secret string) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		bound:  make(map[string]string),
	}
}

// ParseToken validates the token signature and expiry.
func (r *Resolver) ParseToken(tokenString string) (*AppClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("missing token: %w", core.ErrAuthentication)
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", core.ErrAuthentication)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", core.ErrAuthentication)
	}
	return claims, nil
}

// UserID resolves a claim without binding it to a connection. HTTP
// requests use this.
func (r *Resolver) UserID(tokenString string) (string, error) {
	claims, err := r.ParseToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Resolve verifies the claim presented on a realtime connection. The first
// successful call binds the user to the connection; a later claim for a
// different user fails, so a connection never changes identity.
func (r *Resolver) Resolve(connID, tokenString string) (string, error) {
	userID, err := r.UserID(tokenString)
	if err != nil {
		logrus.WithField("conn_id", connID).WithError(err).Debug("Rejected identity claim")
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bound[connID]; ok && prev != userID {
		logrus.WithFields(logrus.Fields{"conn_id": connID, "user_id": prev}).
			Warn("Connection presented a claim for a different user")
		return "", fmt.Errorf("connection already bound to another user: %w", core.ErrAuthentication)
	}
	r.bound[connID] = userID
	return userID, nil
}

// Bound returns the user bound to a connection, if any.
func (r *Resolver) Bound(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.bound[connID]
	return userID, ok
}

// Release forgets a connection once it has disconnected.
func (r *Resolver) Release(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, connID)
}

// Sign issues a token for userID. The server never hands tokens out itself;
// this exists for tooling and tests that need a valid claim.
func (r *Resolver) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
