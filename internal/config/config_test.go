package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, ValidateConfig(DefaultConfig()))
}

func TestCheckAccountPolicyRejectsOutOfRangeVerifyInterval(t *testing.T) {
	c := DefaultConfig()
	err := c.CheckAccountPolicy(c.MinVerifyInterval/2, c.DefaultAlertDelay)
	assert.Error(t, err)
}

func TestCheckAccountPolicyRejectsOutOfRangeAlertDelay(t *testing.T) {
	c := DefaultConfig()
	err := c.CheckAccountPolicy(c.DefaultVerifyInterval, c.MaxAlertDelay*2)
	assert.Error(t, err)
}

func TestCheckAccountPolicyRejectsAlertDelayNotExceedingVerifyInterval(t *testing.T) {
	c := DefaultConfig()
	c.MinAlertDelay = c.MaxVerifyInterval // widen bounds so only the cross-field rule can fail
	err := c.CheckAccountPolicy(c.MaxVerifyInterval, c.MaxVerifyInterval)
	assert.Error(t, err, "alert_delay must exceed verify_interval, not merely equal it")
}

func TestCheckAccountPolicyAcceptsDefaults(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.CheckAccountPolicy(c.DefaultVerifyInterval, c.DefaultAlertDelay))
}

func TestValidateRejectsInvertedVerifyIntervalBounds(t *testing.T) {
	c := DefaultConfig()
	c.MaxVerifyInterval = c.MinVerifyInterval
	assert.Error(t, c.Validate())
}

func TestValidateRejectsMinAlertDelayNotExceedingMinVerifyInterval(t *testing.T) {
	c := DefaultConfig()
	c.MinAlertDelay = c.MinVerifyInterval
	assert.Error(t, c.Validate())
}

func TestValidateConfigCollectsEveryFieldError(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddr = "not-a-host-port"
	c.DatabasePath = ""
	c.SMTP.Port = 0

	err := ValidateConfig(c)
	assert.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs), 3, "every invalid field should be reported, not just the first")
}

func TestValidateConfigRejectsUnknownLoggingLevel(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Level = "verbose"
	assert.Error(t, ValidateConfig(c))
}

func TestValidateConfigRejectsSameDatabasePaths(t *testing.T) {
	c := DefaultConfig()
	c.SamplesDatabasePath = c.DatabasePath
	err := ValidateConfig(c)
	assert.Error(t, err)
}

func TestValidateConfigRejectsInvalidRoleEmailPattern(t *testing.T) {
	c := DefaultConfig()
	c.RoleEmailBlacklist = []string{"["}
	assert.Error(t, ValidateConfig(c))
}
