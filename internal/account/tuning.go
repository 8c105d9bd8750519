package account

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes human-readable strings like "700ms" from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Tuning holds the pacing and retry knobs for talking to the gateway.
type Tuning struct {
	NicknamePacing    Duration `yaml:"nicknamePacing"`
	RetryBase         Duration `yaml:"retryBase"`
	RetryStep         Duration `yaml:"retryStep"`
	NicknameRetries   int      `yaml:"nicknameRetries"`
	MaxInFlightEvents int      `yaml:"maxInFlightEvents"`
	CallTimeout       Duration `yaml:"callTimeout"`
}

func DefaultTuning() Tuning {
	return Tuning{
		NicknamePacing:    Duration{700 * time.Millisecond},
		RetryBase:         Duration{250 * time.Millisecond},
		RetryStep:         Duration{200 * time.Millisecond},
		NicknameRetries:   3,
		MaxInFlightEvents: 16,
		CallTimeout:       Duration{30 * time.Second},
	}
}

// Tuning reads lockwarden.yaml over the defaults. A missing file is not an
// error; fields left out of the file keep their default.
func (l *Layout) Tuning() (Tuning, error) {
	tuning := DefaultTuning()
	data, err := os.ReadFile(l.TuningPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tuning, nil
		}
		return tuning, &ConfigError{Op: "read tuning", Path: l.TuningPath(), Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return tuning, nil
	}
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return DefaultTuning(), &ConfigError{Op: "parse tuning", Path: l.TuningPath(), Err: err}
	}
	if err := tuning.validate(); err != nil {
		return DefaultTuning(), &ConfigError{Op: "validate tuning", Path: l.TuningPath(), Err: err}
	}
	return tuning, nil
}

func (t Tuning) validate() error {
	switch {
	case t.NicknamePacing.Duration < 0, t.RetryBase.Duration < 0, t.RetryStep.Duration < 0, t.CallTimeout.Duration < 0:
		return errors.New("durations must not be negative")
	case t.NicknameRetries < 1:
		return errors.New("nicknameRetries must be at least 1")
	case t.MaxInFlightEvents < 1:
		return errors.New("maxInFlightEvents must be at least 1")
	}
	return nil
}
