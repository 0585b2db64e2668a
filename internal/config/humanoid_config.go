// File: internal/config/humanoid_config.go
// HumanoidConfig holds the tunable parameters of the human pacing model used
// by the browser executor: cognitive pauses between actions and the keystroke
// rhythm used while typing synthetic data into forms.
package config

import "github.com/spf13/viper"

// HumanoidConfig defines the timing distributions for simulated user input.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Cognitive pauses before and after an action, in milliseconds.
	ActionPauseMeanMs   float64 `mapstructure:"action_pause_mean_ms" yaml:"action_pause_mean_ms"`
	ActionPauseStdDevMs float64 `mapstructure:"action_pause_stddev_ms" yaml:"action_pause_stddev_ms"`

	// Inter-key delay distribution, in milliseconds.
	KeyPauseMeanMs   float64 `mapstructure:"key_pause_mean_ms" yaml:"key_pause_mean_ms"`
	KeyPauseStdDevMs float64 `mapstructure:"key_pause_stddev_ms" yaml:"key_pause_stddev_ms"`
	KeyPauseMinMs    float64 `mapstructure:"key_pause_min_ms" yaml:"key_pause_min_ms"`
	KeyPauseMaxMs    float64 `mapstructure:"key_pause_max_ms" yaml:"key_pause_max_ms"`

	// Multipliers applied when the next keys form a common n-gram.
	DigramFactor  float64 `mapstructure:"digram_factor" yaml:"digram_factor"`
	TrigramFactor float64 `mapstructure:"trigram_factor" yaml:"trigram_factor"`

	// FatigueRate increases pauses as the session accumulates actions.
	FatigueRate float64 `mapstructure:"fatigue_rate" yaml:"fatigue_rate"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.action_pause_mean_ms", 450.0)
	v.SetDefault("browser.humanoid.action_pause_stddev_ms", 150.0)
	v.SetDefault("browser.humanoid.key_pause_mean_ms", 70.0)
	v.SetDefault("browser.humanoid.key_pause_stddev_ms", 28.0)
	v.SetDefault("browser.humanoid.key_pause_min_ms", 30.0)
	v.SetDefault("browser.humanoid.key_pause_max_ms", 90.0)
	v.SetDefault("browser.humanoid.digram_factor", 0.7)
	v.SetDefault("browser.humanoid.trigram_factor", 0.55)
	v.SetDefault("browser.humanoid.fatigue_rate", 0.002)
}
