package mapview

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
)

// Center is the initial map center
type Center struct {
	Latitude  float64 `yaml:"lat" json:"lat" validate:"latitude"`
	Longitude float64 `yaml:"lng" json:"lng" validate:"longitude"`
}

// Profile describes the map page served to the sandbox
type Profile struct {
	SDKName       string `yaml:"sdk_name" json:"sdk_name" validate:"required"`
	SDKSource     string `yaml:"sdk_src" json:"sdk_src" validate:"required,url"`
	Renderer      string `yaml:"renderer" json:"renderer" validate:"required"`
	Command       string `yaml:"command" json:"command" validate:"required,alphanum"`
	Center        Center `yaml:"center" json:"center"`
	Level         int    `yaml:"level" json:"level" validate:"gte=1,lte=14"`
	CreateDelayMS int    `yaml:"create_delay_ms" json:"create_delay_ms" validate:"gte=0,lte=60000"`
}

// DefaultProfile returns the built-in atlas profile centered on Seoul
func DefaultProfile() Profile {
	dialect := protocol.DefaultDialect()
	return Profile{
		SDKName:   dialect.SDK,
		SDKSource: "https://sdk.atlas.local/v1/maps.js",
		Renderer:  dialect.Renderer,
		Command:   dialect.Command,
		Center: Center{
			Latitude:  37.5665,
			Longitude: 126.9780,
		},
		Level:         3,
		CreateDelayMS: 200,
	}
}

// LoadProfile reads a YAML profile. Missing keys keep their defaults.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read map profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("failed to parse map profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Validate checks field constraints
func (p Profile) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid map profile: %w", err)
	}
	return nil
}

// Dialect returns the message vocabulary the page speaks
func (p Profile) Dialect() protocol.Dialect {
	return protocol.Dialect{
		SDK:      p.SDKName,
		Renderer: p.Renderer,
		Command:  p.Command,
	}
}

// CreateDelay returns the delay before the page creates the map
func (p Profile) CreateDelay() time.Duration {
	return time.Duration(p.CreateDelayMS) * time.Millisecond
}
