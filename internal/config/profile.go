package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Profile tunes certificate bucket sizing and DCV caching. Operators override
// the defaults with a YAML file when a CA imposes different order limits.
type Profile struct {
	// SoftBucketSize is the preferred number of domains per certificate;
	// HardBucketSize is the CA's absolute per-order limit.
	SoftBucketSize int `yaml:"soft_bucket_size" validate:"gt=0,ltefield=HardBucketSize"`
	HardBucketSize int `yaml:"hard_bucket_size" validate:"gt=0"`
	// SuccessValidityDays is how long a validation success is cached.
	SuccessValidityDays int `yaml:"success_validity_days" validate:"gt=0"`
	// FreshnessMarginMinutes is how much cached validity must remain for a
	// success to be honored without revalidating.
	FreshnessMarginMinutes int `yaml:"freshness_margin_minutes" validate:"gt=0"`
}

// DefaultProfile matches Let's Encrypt's 100-identifier order limit.
func DefaultProfile() Profile {
	return Profile{
		SoftBucketSize:         40,
		HardBucketSize:         100,
		SuccessValidityDays:    30,
		FreshnessMarginMinutes: 60,
	}
}

// LoadProfile reads a YAML profile over the defaults. An empty path returns
// the defaults unchanged.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
		}
	}

	if err := validator.New().Struct(p); err != nil {
		return Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

func (p Profile) SuccessValidity() time.Duration {
	return time.Duration(p.SuccessValidityDays) * 24 * time.Hour
}

func (p Profile) FreshnessMargin() time.Duration {
	return time.Duration(p.FreshnessMarginMinutes) * time.Minute
}
