package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestd/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attestd.db")
	st, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestAccount(t *testing.T, st *Store, login string) *Account {
	t.Helper()
	acct, err := st.CreateAccount(context.Background(), login, login+"@example.com", "correct horse battery staple", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return acct
}

func baseSnapshot(fingerprint string) DeviceSnapshot {
	return DeviceSnapshot{
		Fingerprint:           fingerprint,
		PinnedCertificates:    [][]byte{[]byte("leaf-der"), []byte("issuer-der")},
		PinnedVerifiedBootKey: "abc123",
		PinnedSecurityLevel:   SecurityLevelTEE,
		OSVersion:             140000,
		OSPatchLevel:          20260101,
		AppVersion:            7,
		TEEEnforced:           `[{"tag":"osVersion","value":140000}]`,
		OSEnforced:            `[]`,
	}
}

func TestRecordEnrollsAPreviouslyUnseenFingerprint(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "alice")

	outcome, err := st.Record(context.Background(), acct.ID, baseSnapshot("fp-1"), true, 2)
	require.NoError(t, err)
	assert.Equal(t, "enrolled", outcome.Outcome)
	assert.True(t, outcome.IsMatch)
	assert.Equal(t, acct.ID, outcome.Device.AccountID)
}

func TestRecordContinuityMatchAdvancesState(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "bob")
	ctx := context.Background()

	_, err := st.Record(ctx, acct.ID, baseSnapshot("fp-2"), true, 2)
	require.NoError(t, err)

	next := baseSnapshot("fp-2")
	next.OSPatchLevel = 20260201
	outcome, err := st.Record(ctx, acct.ID, next, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "verified", outcome.Outcome)
	assert.Equal(t, 20260201, outcome.Device.PinnedOSPatchLevel)
}

func TestRecordRejectsDifferentOwner(t *testing.T) {
	st := newTestStore(t)
	owner := newTestAccount(t, st, "carol")
	intruder := newTestAccount(t, st, "mallory")
	ctx := context.Background()

	_, err := st.Record(ctx, owner.ID, baseSnapshot("fp-3"), true, 2)
	require.NoError(t, err)

	_, err = st.Record(ctx, intruder.ID, baseSnapshot("fp-3"), true, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMismatchOwner, apperr.KindOf(err))
}

func TestRecordRejectsRevokedDevice(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "dave")
	ctx := context.Background()

	outcome, err := st.Record(ctx, acct.ID, baseSnapshot("fp-4"), true, 2)
	require.NoError(t, err)
	require.NoError(t, st.DeleteDevice(ctx, acct.ID, outcome.Device.ID))

	_, err = st.Record(ctx, acct.ID, baseSnapshot("fp-4"), true, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRevoked, apperr.KindOf(err))
}

func TestRecordRejectsChangedVerifiedBootKey(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "erin")
	ctx := context.Background()

	_, err := st.Record(ctx, acct.ID, baseSnapshot("fp-5"), true, 2)
	require.NoError(t, err)

	mutated := baseSnapshot("fp-5")
	mutated.PinnedVerifiedBootKey = "different-key"
	_, err = st.Record(ctx, acct.ID, mutated, true, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMismatchPinning, apperr.KindOf(err))

	dev, getErr := st.FindDeviceByFingerprint(ctx, "fp-5")
	require.NoError(t, getErr)
	require.NotNil(t, dev.FailureTimeLast, "a pinning mismatch must record a failure timestamp")

	history, histErr := st.AttestationHistory(ctx, acct.ID, dev.ID, 20)
	require.NoError(t, histErr)
	assert.Len(t, history, 1, "a pinning mismatch must not append an attestation-history row")
	assert.Equal(t, "enrolled", history[0].Outcome)
}

func TestRecordRejectsOSVersionDowngrade(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "frank")
	ctx := context.Background()

	first := baseSnapshot("fp-6")
	first.OSVersion = 150000
	_, err := st.Record(ctx, acct.ID, first, true, 2)
	require.NoError(t, err)

	downgraded := baseSnapshot("fp-6")
	downgraded.OSVersion = 140000
	_, err = st.Record(ctx, acct.ID, downgraded, true, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMismatchDowngrade, apperr.KindOf(err))

	dev, getErr := st.FindDeviceByFingerprint(ctx, "fp-6")
	require.NoError(t, getErr)
	assert.Equal(t, 150000, dev.PinnedOSVersion, "monotonic counters must stay unchanged on a rejected downgrade")
	require.NotNil(t, dev.FailureTimeLast)

	history, histErr := st.AttestationHistory(ctx, acct.ID, dev.ID, 20)
	require.NoError(t, histErr)
	assert.Len(t, history, 1, "a downgrade must not append an attestation-history row (spec.md E3)")
	assert.Equal(t, "enrolled", history[0].Outcome)
}

func TestRecordAcceptsOptionalCounterWhenOmittedEitherSide(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "grace")
	ctx := context.Background()

	_, err := st.Record(ctx, acct.ID, baseSnapshot("fp-7"), true, 2) // no vendor/boot patch level reported
	require.NoError(t, err)

	outcome, err := st.Record(ctx, acct.ID, baseSnapshot("fp-7"), true, 2)
	require.NoError(t, err)
	assert.Equal(t, "verified", outcome.Outcome)

	vendor := 20260101
	withVendor := baseSnapshot("fp-7")
	withVendor.VendorPatchLevel = &vendor // absent when pinned, present in the report
	outcome, err = st.Record(ctx, acct.ID, withVendor, true, 2)
	require.NoError(t, err)
	assert.Equal(t, "verified", outcome.Outcome)

	outcome, err = st.Record(ctx, acct.ID, baseSnapshot("fp-7"), true, 2) // present when pinned, absent in the report
	require.NoError(t, err)
	assert.Equal(t, "verified", outcome.Outcome)
}

func TestRecordRejectsVendorPatchLevelDowngradeWhenPresent(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "heidi")
	ctx := context.Background()

	high := 20260301
	first := baseSnapshot("fp-8")
	first.VendorPatchLevel = &high
	_, err := st.Record(ctx, acct.ID, first, true, 2)
	require.NoError(t, err)

	low := 20260101
	second := baseSnapshot("fp-8")
	second.VendorPatchLevel = &low
	_, err = st.Record(ctx, acct.ID, second, true, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMismatchDowngrade, apperr.KindOf(err))
}

func TestDeleteDeviceIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "ivan")
	ctx := context.Background()

	outcome, err := st.Record(ctx, acct.ID, baseSnapshot("fp-9"), true, 2)
	require.NoError(t, err)

	require.NoError(t, st.DeleteDevice(ctx, acct.ID, outcome.Device.ID))
	require.NoError(t, st.DeleteDevice(ctx, acct.ID, outcome.Device.ID))
}

func TestListDevicesExcludesDeleted(t *testing.T) {
	st := newTestStore(t)
	acct := newTestAccount(t, st, "judy")
	ctx := context.Background()

	kept, err := st.Record(ctx, acct.ID, baseSnapshot("fp-10"), true, 2)
	require.NoError(t, err)
	removed, err := st.Record(ctx, acct.ID, baseSnapshot("fp-11"), true, 2)
	require.NoError(t, err)
	require.NoError(t, st.DeleteDevice(ctx, acct.ID, removed.Device.ID))

	devices, err := st.ListDevices(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, kept.Device.ID, devices[0].ID)
}
