package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"attestd/internal/apperr"
)

// CreateSession opens a new session for accountID, generating a fresh
// session id, cookie token and request token. The cookie token belongs
// in the __Host- session cookie; the request token is returned to the
// client for inclusion as a body field on every subsequent mutating
// request (double-submit CSRF).
func (s *Store) CreateSession(ctx context.Context, accountID int64, duration time.Duration) (*Session, error) {
	id, err := randomHex(16)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate session id", err)
	}
	cookieToken := make([]byte, 32)
	requestToken := make([]byte, 32)
	if _, err := rand.Read(cookieToken); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate cookie token", err)
	}
	if _, err := rand.Read(requestToken); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate request token", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID: id, AccountID: accountID,
		CookieToken: cookieToken, RequestToken: requestToken,
		CreatedAt: now, ExpiresAt: now.Add(duration),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, cookie_token, request_token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountID, sess.CookieToken, sess.RequestToken, sess.CreatedAt.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create session", err)
	}
	return sess, nil
}

// ValidateSession looks up sessionID and checks that cookieToken and
// requestToken both match in constant time. Returns
// apperr.KindUnauthenticated on any mismatch or expiry, without
// distinguishing the failure reason to the caller.
func (s *Store) ValidateSession(ctx context.Context, sessionID string, cookieToken, requestToken []byte) (*Session, error) {
	var sess Session
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, cookie_token, request_token, created_at, expires_at
		FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.AccountID, &sess.CookieToken, &sess.RequestToken, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindUnauthenticated, "no such session")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup session", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if time.Now().After(sess.ExpiresAt) {
		return nil, apperr.New(apperr.KindUnauthenticated, "session expired")
	}
	if subtle.ConstantTimeCompare(sess.CookieToken, cookieToken) != 1 {
		return nil, apperr.New(apperr.KindUnauthenticated, "cookie token mismatch")
	}
	if subtle.ConstantTimeCompare(sess.RequestToken, requestToken) != 1 {
		return nil, apperr.New(apperr.KindUnauthenticated, "request token mismatch")
	}
	return &sess, nil
}

// ValidateSessionCookieOnly checks the session cookie alone, for
// read-only GET endpoints that carry no request body to double-submit a
// CSRF token in. GET requests never mutate state, so the cookie alone
// (which a cross-site request cannot forge thanks to SameSite=Strict) is
// an adequate authentication check here.
func (s *Store) ValidateSessionCookieOnly(ctx context.Context, sessionID string, cookieToken []byte) (*Session, error) {
	var sess Session
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, cookie_token, request_token, created_at, expires_at
		FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.AccountID, &sess.CookieToken, &sess.RequestToken, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindUnauthenticated, "no such session")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup session", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if time.Now().After(sess.ExpiresAt) {
		return nil, apperr.New(apperr.KindUnauthenticated, "session expired")
	}
	if subtle.ConstantTimeCompare(sess.CookieToken, cookieToken) != 1 {
		return nil, apperr.New(apperr.KindUnauthenticated, "cookie token mismatch")
	}
	return &sess, nil
}

// DeleteSession logs out a single session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete session", err)
	}
	return nil
}

// DeleteAllSessions logs out every session for an account ("logout
// everywhere").
func (s *Store) DeleteAllSessions(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete all sessions", err)
	}
	return nil
}

// SweepExpiredSessions deletes sessions past their expiry and reports
// how many were removed; called from the maintenance loop's daily tick.
func (s *Store) SweepExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "sweep sessions", err)
	}
	return res.RowsAffected()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
