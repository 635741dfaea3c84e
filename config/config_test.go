package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsUnknownStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsSoftTTLAboveHardTTL(t *testing.T) {
	cfg := Default()
	cfg.SoftTTL = 10 * time.Minute
	cfg.HardTTL = 1 * time.Minute
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveWorkers(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	assert.Error(t, cfg.Validate())
}

func TestDefaultDebugIsDisabled(t *testing.T) {
	assert.Equal(t, 0, Default().Debug)
}

func TestValidateRejectsUnknownSelects(t *testing.T) {
	cfg := Default()
	cfg.Selects = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownCacheInTransactions(t *testing.T) {
	cfg := Default()
	cfg.CacheInTransactions = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownUsers(t *testing.T) {
	cfg := Default()
	cfg.Users = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeResultsetLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxResultsetRows = -1
	assert.Error(t, cfg.Validate())
}
