package rig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Camera source kinds.
const (
	SourcePlayback = "playback"
	SourceHTTP     = "http"
)

// CameraProfile describes one camera bound to an arm.
type CameraProfile struct {
	Name       string `yaml:"name"`
	Source     string `yaml:"source"`      // playback | http
	Path       string `yaml:"path"`        // playback: directory of recorded JPEG frames
	URL        string `yaml:"url"`         // http: snapshot endpoint returning one JPEG
	Actuator   int    `yaml:"actuator"`    // arm the camera rides on
	TriggerPin int    `yaml:"trigger_pin"` // BCM pin pulsed before each read, 0 = none
}

type TriggerProfile struct {
	MockGPIO bool `yaml:"mock_gpio"`
	PulseMs  int  `yaml:"pulse_ms"`
}

// Profile is the calibration of one physical rig.
type Profile struct {
	Name    string          `yaml:"name"`
	Homes   [2]float64      `yaml:"homes"`
	Cameras []CameraProfile `yaml:"cameras"`
	Trigger TriggerProfile  `yaml:"trigger"`
}

// Default is the profile of the reference rig: arms parked at 30° and 330°,
// one recorded camera per arm.
func Default() *Profile {
	return &Profile{
		Name:  "default",
		Homes: [2]float64{30, 330},
		Cameras: []CameraProfile{
			{Name: "cam0", Source: SourcePlayback, Path: "recordings/cam0", Actuator: 0},
			{Name: "cam1", Source: SourcePlayback, Path: "recordings/cam1", Actuator: 1},
		},
		Trigger: TriggerProfile{MockGPIO: true, PulseMs: 50},
	}
}

// Load reads a rig profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rig profile: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault falls back to Default when path does not exist.
func LoadOrDefault(path string) (*Profile, bool, error) {
	p, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), true, nil
	}
	return p, false, err
}

func Parse(data []byte) (*Profile, error) {
	p := Default()
	p.Cameras = nil

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal rig profile: %w", err)
	}

	if p.Trigger.PulseMs <= 0 {
		p.Trigger.PulseMs = 50
	}
	for i := range p.Cameras {
		if p.Cameras[i].Source == "" {
			p.Cameras[i].Source = SourcePlayback
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) Validate() error {
	for i, h := range p.Homes {
		if h < 0 || h >= 360 {
			return fmt.Errorf("homes[%d] must be within [0, 360), got %.2f", i, h)
		}
	}
	if p.Homes[0] == p.Homes[1] {
		return fmt.Errorf("homes must differ, both are %.2f", p.Homes[0])
	}

	seen := make(map[string]bool, len(p.Cameras))
	for _, c := range p.Cameras {
		if c.Name == "" {
			return fmt.Errorf("camera name is required")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate camera %q", c.Name)
		}
		seen[c.Name] = true

		if c.Actuator < 0 || c.Actuator > 1 {
			return fmt.Errorf("camera %q: actuator must be 0 or 1, got %d", c.Name, c.Actuator)
		}
		switch c.Source {
		case SourcePlayback:
			if c.Path == "" {
				return fmt.Errorf("camera %q: playback source needs a path", c.Name)
			}
		case SourceHTTP:
			if c.URL == "" {
				return fmt.Errorf("camera %q: http source needs a url", c.Name)
			}
		default:
			return fmt.Errorf("camera %q: unknown source %q", c.Name, c.Source)
		}
		if c.TriggerPin < 0 {
			return fmt.Errorf("camera %q: trigger_pin must be >= 0", c.Name)
		}
	}
	return nil
}

// CameraFor returns the name of the first camera riding on actuator.
func (p *Profile) CameraFor(actuator int) (string, bool) {
	for _, c := range p.Cameras {
		if c.Actuator == actuator {
			return c.Name, true
		}
	}
	return "", false
}

func (p *Profile) TriggerPulse() time.Duration {
	return time.Duration(p.Trigger.PulseMs) * time.Millisecond
}
