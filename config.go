package k8090d

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/mdouchement/k8090d/k8090"
	"go.yaml.in/yaml/v4"
)

const (
	DefaultSocket = "/run/k8090d/k8090d.sock"
	PortAuto      = "auto"
)

type Config struct {
	Debug        bool              `yaml:"debug"`
	Socket       string            `yaml:"socket"`
	Port         string            `yaml:"port"`
	Timeout      Duration          `yaml:"timeout"`
	ResetTimeout Duration          `yaml:"reset_timeout"`
	Spacing      *Duration         `yaml:"spacing"` // Unset means k8090.DefaultSpacing, 0s disables it.
	ResetSpacing Duration          `yaml:"reset_spacing"`
	Pipeline     bool              `yaml:"pipeline"`
	Relays       map[string]*Relay `yaml:"relays"`
	ButtonModes  *ButtonModes      `yaml:"button_modes"`
}

type Relay struct {
	ID    int      `yaml:"-"`
	Label string   `yaml:"label"`
	Timer Duration `yaml:"timer"`
}

// ButtonModes lists the one-indexed buttons of each mode.
type ButtonModes struct {
	Momentary []int             `yaml:"momentary"`
	Toggle    []int             `yaml:"toggle"`
	Timed     []int             `yaml:"timed"`
	Modes     k8090.ButtonModes `yaml:"-"`
}

func Load(path string) (Config, error) {
	var c Config

	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()

	codec := yaml.NewDecoder(f)
	err = codec.Decode(&c)
	if err != nil {
		return c, err
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.Port == "" {
		c.Port = PortAuto
	}

	durations := map[string]Duration{
		"timeout":       c.Timeout,
		"reset_timeout": c.ResetTimeout,
		"reset_spacing": c.ResetSpacing,
	}
	if c.Spacing != nil {
		durations["spacing"] = *c.Spacing
	}
	for name, d := range durations {
		if d.Duration < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}

	reName := regexp.MustCompile(`^relay(\d+)$`)
	ids := map[int]string{}
	for _, rname := range slices.Sorted(maps.Keys(c.Relays)) {
		relay := c.Relays[rname]
		if relay == nil {
			return fmt.Errorf("%s: empty settings", rname)
		}

		match := reName.FindStringSubmatch(rname)
		if len(match) != 2 {
			return fmt.Errorf("%s: invalid name", rname)
		}
		id, err := strconv.ParseUint(match[1], 10, 8)
		if err != nil {
			return fmt.Errorf("%s: invalid number", rname) // Should not happen because of the regex check
		}
		if id < 1 || id > k8090.NumRelays {
			return fmt.Errorf("%s: invalid number range", rname)
		}

		relay.ID = int(id - 1) // relay1 => 0, relay8 => 7
		if other, ok := ids[relay.ID]; ok {
			return fmt.Errorf("%s: same relay as %s", rname, other)
		}
		ids[relay.ID] = rname

		if relay.Timer.Duration < 0 || relay.Timer.Duration > k8090.MaxDelay {
			return fmt.Errorf("%s: timer must be in range [0s,%s]", rname, k8090.MaxDelay)
		}
		if relay.Timer.Duration%time.Second != 0 {
			return fmt.Errorf("%s: timer must be a whole number of seconds", rname)
		}
	}

	if c.ButtonModes != nil {
		var modes [k8090.NumButtons]k8090.ButtonMode
		var seen k8090.Mask
		for mode, buttons := range map[k8090.ButtonMode][]int{
			k8090.ButtonMomentary: c.ButtonModes.Momentary,
			k8090.ButtonToggle:    c.ButtonModes.Toggle,
			k8090.ButtonTimed:     c.ButtonModes.Timed,
		} {
			for _, b := range buttons {
				if b < 1 || b > k8090.NumButtons {
					return fmt.Errorf("button_modes: %s: invalid button %d", mode, b)
				}
				if seen.Has(b - 1) {
					return fmt.Errorf("button_modes: button %d has several modes", b)
				}
				seen |= k8090.Mask(1) << (b - 1)
				modes[b-1] = mode
			}
		}
		if seen != k8090.AllRelays {
			return fmt.Errorf("button_modes: buttons %s have no mode", ^seen)
		}

		bm, err := k8090.NewButtonModes(modes)
		if err != nil {
			return fmt.Errorf("button_modes: %w", err)
		}
		c.ButtonModes.Modes = bm
	}

	return nil
}

// Options returns the engine options of the configuration.
func (c Config) Options() k8090.Options {
	opts := k8090.Options{
		Timeout:      c.Timeout.Duration,
		ResetTimeout: c.ResetTimeout.Duration,
		ResetSpacing: c.ResetSpacing.Duration,
		Pipeline:     c.Pipeline,
	}
	if c.Spacing != nil {
		opts.Spacing = c.Spacing.Duration
		if opts.Spacing == 0 {
			opts.Spacing = -1 // Explicitly disabled.
		}
	}
	return opts
}

// Label returns the label of the zero-indexed relay.
func (c Config) Label(relay int) string {
	for _, r := range c.Relays {
		if r.ID == relay && r.Label != "" {
			return r.Label
		}
	}
	return fmt.Sprintf("relay%d", relay+1)
}

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return d.parse(str)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	return d.parse(str)
}

func (d *Duration) parse(str string) (err error) {
	if str == "" {
		d.Duration = 0
		return nil
	}

	d.Duration, err = time.ParseDuration(str)
	return err
}
