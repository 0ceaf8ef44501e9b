package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	GeoJSONPath string `env:"GEOJSON_PATH"`
	OutputDir   string `env:"OUTPUT_DIR" envDefault:"chips"`
	Years       string `env:"YEARS" envDefault:"2019-2022"`

	ChipSize      int      `env:"CHIP_SIZE" envDefault:"64"`
	MaxCloudCover float64  `env:"MAX_CLOUD_COVER" envDefault:"5"`
	Bands         []string `env:"BANDS" envSeparator:"," envDefault:"swir16,nir08,red"`
	ChipExponent  float64  `env:"CHIP_EXPONENT" envDefault:"1.3"`
	JPEGQuality   int      `env:"JPEG_QUALITY" envDefault:"90"`

	Workers   int `env:"WORKERS" envDefault:"0"`
	MaxPoints int `env:"MAX_POINTS" envDefault:"0"`

	StacAPIURL     string        `env:"STAC_API_URL" envDefault:"https://earth-search.aws.element84.com/v1"`
	StacCollection string        `env:"STAC_COLLECTION" envDefault:"sentinel-2-l2a"`
	SearchLimit    int           `env:"SEARCH_LIMIT" envDefault:"1000"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"2m"`

	S3EndpointURL      string `env:"S3_ENDPOINT_URL"`
	AWSRegion          string `env:"AWS_REGION" envDefault:"us-west-2"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

// Load reads configuration from the environment, after loading a .env file if
// one exists (useful for local development).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using os environment only")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config from environment: %w", err)
	}
	return cfg, nil
}

// ParseYears accepts an inclusive range "2019-2022", a comma-separated list
// "2019,2021", or a single year.
func ParseYears(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty year specification")
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid year range %q: %w", s, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("invalid year range %q: %w", s, err)
		}
		if end < start {
			return nil, fmt.Errorf("invalid year range %q: end before start", s)
		}
		years := make([]int, 0, end-start+1)
		for y := start; y <= end; y++ {
			years = append(years, y)
		}
		return years, nil
	}

	var years []int
	for _, part := range strings.Split(s, ",") {
		y, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q: %w", part, err)
		}
		years = append(years, y)
	}
	return years, nil
}
