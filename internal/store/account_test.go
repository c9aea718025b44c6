package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestd/internal/apperr"
)

func TestCreateAccountRejectsDuplicateLogin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateAccount(ctx, "kelly", "kelly@example.com", "correct horse battery staple", time.Hour, 24*time.Hour)
	require.NoError(t, err)

	_, err = st.CreateAccount(ctx, "kelly", "other@example.com", "a different password", time.Hour, 24*time.Hour)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	newTestAccount(t, st, "leo")

	_, err := st.Authenticate(ctx, "leo", "not the password")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	newTestAccount(t, st, "mia")

	acct, err := st.Authenticate(ctx, "mia", "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, "mia", acct.Login)
}

func TestChangePasswordInvalidatesExistingSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	acct := newTestAccount(t, st, "nina")

	sess, err := st.CreateSession(ctx, acct.ID, 48*time.Hour)
	require.NoError(t, err)

	_, err = st.ValidateSession(ctx, sess.ID, sess.CookieToken, sess.RequestToken)
	require.NoError(t, err, "session should be valid before the password changes")

	require.NoError(t, st.ChangePassword(ctx, acct.ID, "a brand new password"))

	_, err = st.ValidateSession(ctx, sess.ID, sess.CookieToken, sess.RequestToken)
	require.Error(t, err, "rotating the password must kill every session it could have been used to open")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, err = st.Authenticate(ctx, "nina", "correct horse battery staple")
	require.Error(t, err, "the old password verifier must no longer match")

	reauth, err := st.Authenticate(ctx, "nina", "a brand new password")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, reauth.ID)
}
