package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "importer.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "templates", cfg.Templates.Dir)
	assert.Equal(t, "0", cfg.Validator.Epsilon)
	assert.Equal(t, 3, cfg.Detector.DateWindowDays)
	assert.Equal(t, 0.85, cfg.Detector.SimilarityThreshold)
	assert.Equal(t, 180, cfg.Detector.HistoryLookbackDays)
	assert.Equal(t, 72, cfg.Staging.RetentionHours)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.ImportsPerMinute)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("IMPORTER_STORE_DRIVER", "postgres")
	t.Setenv("IMPORTER_STORE_DATABASE_URL", "postgres://localhost/importer")
	t.Setenv("IMPORTER_VALIDATOR_EPSILON", "0.01")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/importer", cfg.Store.DatabaseURL)

	eps, err := cfg.Validator.ParseEpsilon()
	require.NoError(t, err)
	assert.Equal(t, "0.01", eps.String())
}

func TestParseEpsilon(t *testing.T) {
	eps, err := ValidatorConfig{Epsilon: ""}.ParseEpsilon()
	require.NoError(t, err)
	assert.True(t, eps.IsZero())

	_, err = ValidatorConfig{Epsilon: "bogus"}.ParseEpsilon()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestValidate_Errors(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "oracle", DatabaseURL: "x"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")

	cfg = &Config{Store: StoreConfig{Driver: "sqlite"}}
	require.Error(t, cfg.Validate())

	cfg = &Config{
		Store:    StoreConfig{Driver: "sqlite", DatabaseURL: "x"},
		Detector: DetectorConfig{SimilarityThreshold: 1.5},
	}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}
