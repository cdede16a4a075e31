// Package callbridge wires the bridge together: the settings.ini surface
// and the App that owns the SIP agent, the session controller and the
// webhook client for one process.
package callbridge

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/viper"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

// Config is the full settings.ini surface. Every key below is required
// unless it has a default; a missing or malformed value fails startup.
type Config struct {
	SIP     SIPConfig     `mapstructure:"sip"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	TTS     TTSConfig     `mapstructure:"tts"`
	General GeneralConfig `mapstructure:"general"`
}

// SIPConfig is the [sip] section: the account at the registrar and the
// local listener.
type SIPConfig struct {
	Server             string `mapstructure:"server"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Port               int    `mapstructure:"port"`
	RegistrationExpiry int    `mapstructure:"registration_expiry"`
}

// SpeechConfig is the [speech] section for the recognition vendor.
type SpeechConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// TTSConfig is the [tts] section for the synthesis vendor.
type TTSConfig struct {
	APIKey  string `mapstructure:"api_key"`
	VoiceID string `mapstructure:"voice_id"`
}

// GeneralConfig is the [general] section: the bot endpoint, the two
// barge-in toggles and logging.
type GeneralConfig struct {
	DialogURL       string `mapstructure:"dialog_url"`
	BargeInOnDtmf   bool   `mapstructure:"barge_in_on_dtmf"`
	BargeInOnSpeech bool   `mapstructure:"barge_in_on_speech"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"`
}

var settingsSchema = configutil.Schema{
	Required: []string{
		"sip.server",
		"sip.username",
		"sip.password",
		"speech.api_key",
		"tts.api_key",
		"tts.voice_id",
		"general.dialog_url",
		"general.barge_in_on_dtmf",
		"general.barge_in_on_speech",
	},
	Optional: []string{
		"sip.port",
		"sip.registration_expiry",
		"speech.model",
		"general.log_level",
		"general.log_format",
	},
	AllowUnknown: true,
}

// LoadConfig reads and validates settings.ini. Secrets may reference
// environment variables with ${VAR} syntax.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("sip.port", 5060)
	v.SetDefault("sip.registration_expiry", 120)
	v.SetDefault("speech.model", "nova-2")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfig)
	}

	var cfg Config
	if err := configutil.DecodeSettings(v.AllSettings(), &cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("decode config: %w", err), errorsx.ReasonConfig)
	}

	settings := make(map[string]any)
	for _, key := range v.AllKeys() {
		settings[key] = v.Get(key)
	}
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return Config{}, errorsx.Wrap(err, errorsx.ReasonConfig)
	}

	expandEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the required keys.
func (c *Config) Validate() error {
	checks := []struct {
		value string
		path  string
	}{
		{c.SIP.Server, "sip.server"},
		{c.SIP.Username, "sip.username"},
		{c.SIP.Password, "sip.password"},
		{c.Speech.APIKey, "speech.api_key"},
		{c.TTS.APIKey, "tts.api_key"},
		{c.TTS.VoiceID, "tts.voice_id"},
		{c.General.DialogURL, "general.dialog_url"},
	}
	for _, check := range checks {
		if err := configutil.RequireString(check.value, check.path); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonConfig)
		}
	}

	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errorsx.Wrap(fmt.Errorf("sip.port %d out of range", c.SIP.Port), errorsx.ReasonConfig)
	}
	if c.SIP.RegistrationExpiry <= 0 {
		return errorsx.Wrap(fmt.Errorf("sip.registration_expiry must be positive"), errorsx.ReasonConfig)
	}

	u, err := url.Parse(c.General.DialogURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errorsx.Wrap(fmt.Errorf("general.dialog_url %q is not an http(s) url", c.General.DialogURL), errorsx.ReasonConfig)
	}
	return nil
}

func expandEnv(cfg *Config) {
	for _, p := range []*string{
		&cfg.SIP.Server, &cfg.SIP.Username, &cfg.SIP.Password,
		&cfg.Speech.APIKey, &cfg.Speech.Model,
		&cfg.TTS.APIKey, &cfg.TTS.VoiceID,
		&cfg.General.DialogURL,
	} {
		*p = os.ExpandEnv(*p)
	}
}
