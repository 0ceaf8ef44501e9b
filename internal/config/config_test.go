package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chips", cfg.OutputDir)
	assert.Equal(t, 64, cfg.ChipSize)
	assert.Equal(t, 5.0, cfg.MaxCloudCover)
	assert.Equal(t, []string{"swir16", "nir08", "red"}, cfg.Bands)
	assert.Equal(t, 1.3, cfg.ChipExponent)
	assert.Equal(t, "sentinel-2-l2a", cfg.StacCollection)
	assert.Equal(t, 1000, cfg.SearchLimit)
	assert.Equal(t, 2*time.Minute, cfg.HTTPTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHIP_SIZE", "256")
	t.Setenv("MAX_CLOUD_COVER", "20")
	t.Setenv("BANDS", "red,green,blue")
	t.Setenv("YEARS", "2021")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.ChipSize)
	assert.Equal(t, 20.0, cfg.MaxCloudCover)
	assert.Equal(t, []string{"red", "green", "blue"}, cfg.Bands)
	assert.Equal(t, "2021", cfg.Years)
}

func TestParseYearsRange(t *testing.T) {
	years, err := ParseYears("2019-2022")
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2020, 2021, 2022}, years)
}

func TestParseYearsList(t *testing.T) {
	years, err := ParseYears("2019, 2021,2023")
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2021, 2023}, years)
}

func TestParseYearsSingle(t *testing.T) {
	years, err := ParseYears("2020")
	require.NoError(t, err)
	assert.Equal(t, []int{2020}, years)
}

func TestParseYearsInvalid(t *testing.T) {
	for _, input := range []string{"", "abcd", "2022-2019", "2019-x", "2019,,2020"} {
		_, err := ParseYears(input)
		assert.Error(t, err, "input %q", input)
	}
}
