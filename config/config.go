// Package config loads the assistant's settings from defaults, an optional
// YAML file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

// Transports
const (
	TransportWebsocket = "websocket"
	TransportWebRTC    = "webrtc"
)

// Store drivers
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Environment variable keys
const (
	EnvAPIKey        = "OPENAI_API_KEY"
	EnvBaseURL       = "OPENAI_BASE_URL"
	EnvRealtimeURL   = "OPENAI_REALTIME_URL"
	EnvModel         = "OPENAI_REALTIME_MODEL"
	EnvTransport     = "ASSISTANT_TRANSPORT"
	EnvStoreDriver   = "ASSISTANT_STORE_DRIVER"
	EnvStoreDir      = "ASSISTANT_STORE_DIR"
	EnvStoreDSN      = "ASSISTANT_STORE_DSN"
	EnvLogLevel      = "ASSISTANT_LOG_LEVEL"
	EnvLogFile       = "ASSISTANT_LOG_FILE"
	EnvMetricsAddr   = "ASSISTANT_METRICS_ADDR"
	EnvStopTimeout   = "ASSISTANT_STOP_TIMEOUT"
	EnvAckUnknown    = "ASSISTANT_ACK_UNKNOWN_FUNCTIONS"
	EnvInstructions  = "ASSISTANT_INSTRUCTIONS"
	EnvInitialPrompt = "ASSISTANT_INITIAL_INSTRUCTIONS"
)

type Config struct {
	Transport string        `yaml:"transport"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Audio     AudioConfig   `yaml:"audio"`
	Store     StoreConfig   `yaml:"store"`
	Log       LogConfig     `yaml:"log"`
	Session   SessionConfig `yaml:"session"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	RealtimeURL  string `yaml:"realtime_url"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	// Beta speaks the preview protocol over the websocket transport.
	Beta bool `yaml:"beta"`
}

type AudioConfig struct {
	SampleRate       int `yaml:"sample_rate"`
	Channels         int `yaml:"channels"`
	FrameMs          int `yaml:"frame_ms"`
	PlaybackBufferMs int `yaml:"playback_buffer_ms"`
	RingSeconds      int `yaml:"ring_seconds"`
	QueueFrames      int `yaml:"queue_frames"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SessionConfig struct {
	InitialInstructions         string        `yaml:"initial_instructions"`
	AcknowledgeUnknownFunctions bool          `yaml:"acknowledge_unknown_functions"`
	StopTimeout                 time.Duration `yaml:"stop_timeout"`
}

type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint; empty disables it.
	Addr string `yaml:"addr"`
}

func Default() *Config {
	return &Config{
		Transport: TransportWebsocket,
		OpenAI: OpenAIConfig{
			BaseURL:      "https://api.openai.com/v1",
			RealtimeURL:  "wss://api.openai.com/v1/realtime",
			Model:        "gpt-realtime",
			Voice:        "alloy",
			Instructions: "You are a helpful front-desk assistant for a medical clinic. Use the available functions to book appointments, request refills, and pass messages to doctors.",
		},
		Audio: AudioConfig{
			SampleRate:       24000,
			Channels:         1,
			FrameMs:          20,
			PlaybackBufferMs: 100,
			RingSeconds:      10,
			QueueFrames:      50,
		},
		Store: StoreConfig{
			Driver: StoreFile,
			Dir:    "data",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "cli/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Session: SessionConfig{
			InitialInstructions: "Please assist the user.",
			StopTimeout:         5 * time.Second,
		},
	}
}

// Load builds the effective configuration. path may be empty. envFiles are
// loaded with godotenv without overriding variables already set; when none
// are given a ".env" in the working directory is used if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	str := func(dst *string, key string) {
		if err != nil {
			return
		}
		*dst, err = shared.Getenv(shared.GetenvString, key, false, *dst)
	}
	str(&c.OpenAI.APIKey, EnvAPIKey)
	str(&c.OpenAI.BaseURL, EnvBaseURL)
	str(&c.OpenAI.RealtimeURL, EnvRealtimeURL)
	str(&c.OpenAI.Model, EnvModel)
	str(&c.OpenAI.Instructions, EnvInstructions)
	str(&c.Transport, EnvTransport)
	str(&c.Store.Driver, EnvStoreDriver)
	str(&c.Store.Dir, EnvStoreDir)
	str(&c.Store.DSN, EnvStoreDSN)
	str(&c.Log.Level, EnvLogLevel)
	str(&c.Log.File, EnvLogFile)
	str(&c.Metrics.Addr, EnvMetricsAddr)
	str(&c.Session.InitialInstructions, EnvInitialPrompt)
	if err != nil {
		return err
	}
	if c.Session.StopTimeout, err = shared.Getenv(shared.GetenvDuration, EnvStopTimeout, false, c.Session.StopTimeout); err != nil {
		return err
	}
	if c.Session.AcknowledgeUnknownFunctions, err = shared.Getenv(shared.GetenvBool, EnvAckUnknown, false, c.Session.AcknowledgeUnknownFunctions); err != nil {
		return err
	}
	return nil
}

// Validate checks everything but the API key, which the CLI may still prompt for.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportWebsocket, TransportWebRTC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Store.Driver {
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file store"))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.FrameMs <= 0 {
		errs = append(errs, errors.New("audio sample_rate, channels and frame_ms must be positive"))
	}
	if c.Session.StopTimeout < 0 {
		errs = append(errs, errors.New("session.stop_timeout must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrNoConfig, err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.OpenAI.APIKey = redactKey(c.OpenAI.APIKey)
	if c.Store.DSN != "" {
		if u, err := url.Parse(c.Store.DSN); err == nil && u.User != nil {
			out.Store.DSN = u.Redacted()
		}
	}
	return &out
}

func redactKey(key string) string {
	if len(key) <= 10 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:10] + "..."
}

// YAML dumps the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// RealtimeSession is the session configuration sent to the agent.
func (c *Config) RealtimeSession() *realtime.RealtimeSessionCreateRequestParam {
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: 24000,
			Type: "audio/pcm",
		},
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(c.OpenAI.Instructions),
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				Format: pcm,
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
				Voice:  realtime.RealtimeAudioConfigOutputVoice(c.OpenAI.Voice),
			},
		},
	}
	assign(&session.Model, c.OpenAI.Model)
	return session
}

func assign[T ~string](dst *T, v string) {
	*dst = T(v)
}
