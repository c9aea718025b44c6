package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	"attestd/internal/apperr"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// hashPassword derives a scrypt verifier for password, generating a
// fresh random salt.
func hashPassword(password string) (hash, salt []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	hash, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("scrypt: %w", err)
	}
	return hash, salt, nil
}

func verifyPassword(password string, hash, salt []byte) bool {
	candidate, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

// CreateAccount registers a new account with the given login, email and
// password, and the account's initial verify-interval/alert-delay
// policy. Returns apperr.KindConflict if the login is already taken.
func (s *Store) CreateAccount(ctx context.Context, login, email, password string, verifyInterval, alertDelay time.Duration) (*Account, error) {
	hash, salt, err := hashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}

	subscribeKey := make([]byte, 32)
	if _, err := rand.Read(subscribeKey); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate subscribe key", err)
	}

	now := time.Now().UTC()
	var id int64
	err = s.withImmediate(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO accounts (login, email, password_hash, password_salt, subscribe_key, verify_interval, alert_delay, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			login, email, hash, salt, subscribeKey, int64(verifyInterval), int64(alertDelay), now.Unix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "login already registered")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "create account", err)
	}

	return &Account{
		ID: id, Login: login, Email: email,
		PasswordHash: hash, PasswordSalt: salt, SubscribeKey: subscribeKey,
		VerifyInterval: verifyInterval, AlertDelay: alertDelay,
		CreatedAt: now,
	}, nil
}

// Authenticate verifies login/password and returns the matching account.
// Returns apperr.KindUnauthenticated on any mismatch, deliberately not
// distinguishing "no such login" from "wrong password".
func (s *Store) Authenticate(ctx context.Context, login, password string) (*Account, error) {
	acct, err := s.GetAccountByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if acct == nil || !verifyPassword(password, acct.PasswordHash, acct.PasswordSalt) {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid login or password")
	}
	return acct, nil
}

// GetAccountByLogin looks up an account by its unique login, or returns
// (nil, nil) if none exists.
func (s *Store) GetAccountByLogin(ctx context.Context, login string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, login, email, password_hash, password_salt, subscribe_key, verify_interval, alert_delay, created_at
		FROM accounts WHERE login = ?`, login))
}

// GetAccount looks up an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, login, email, password_hash, password_salt, subscribe_key, verify_interval, alert_delay, created_at
		FROM accounts WHERE id = ?`, id))
}

func (s *Store) scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var createdAt, verifyInterval, alertDelay int64
	err := row.Scan(&a.ID, &a.Login, &a.Email, &a.PasswordHash, &a.PasswordSalt, &a.SubscribeKey, &verifyInterval, &alertDelay, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "scan account", err)
	}
	a.VerifyInterval = time.Duration(verifyInterval)
	a.AlertDelay = time.Duration(alertDelay)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// ChangePassword sets a new password verifier for accountID and, in the
// same transaction, deletes every session belonging to that account so
// a stolen session cannot outlive a password rotation meant to kill it.
func (s *Store) ChangePassword(ctx context.Context, accountID int64, newPassword string) error {
	hash, salt, err := hashPassword(newPassword)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "hash password", err)
	}

	return s.withImmediate(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `UPDATE accounts SET password_hash = ?, password_salt = ? WHERE id = ?`, hash, salt, accountID); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = ?`, accountID)
		return err
	})
}

// UpdateAccountPolicy updates an account's verify-interval/alert-delay.
// Callers must have already checked the pair against config bounds via
// Config.CheckAccountPolicy.
func (s *Store) UpdateAccountPolicy(ctx context.Context, accountID int64, verifyInterval, alertDelay time.Duration) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET verify_interval = ?, alert_delay = ? WHERE id = ?`,
		int64(verifyInterval), int64(alertDelay), accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update account policy", err)
	}
	return nil
}

// UpdateAccountConfiguration sets an account's verify-interval, alert-delay
// and notification email in one statement; callers must have already
// checked the interval/delay pair against config bounds.
func (s *Store) UpdateAccountConfiguration(ctx context.Context, accountID int64, verifyInterval, alertDelay time.Duration, email string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET verify_interval = ?, alert_delay = ?, email = ? WHERE id = ?`,
		int64(verifyInterval), int64(alertDelay), email, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update account configuration", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
