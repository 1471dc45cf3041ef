package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	appdefaults "github.com/saker-ai/xiaozhi-voice/config"

	"github.com/saker-ai/xiaozhi-voice/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "xiaozhi"

// DeviceConfig identifies this device to the activation and control servers.
type DeviceConfig struct {
	ID         string `mapstructure:"id"`
	ClientID   string `mapstructure:"client_id"`
	BoardType  string `mapstructure:"board_type"`
	AppName    string `mapstructure:"app_name"`
	AppVersion string `mapstructure:"app_version"`
}

// OTAConfig represents the activation endpoint settings.
type OTAConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ControlConfig selects and tunes the control channel.
type ControlConfig struct {
	Transport      string        `mapstructure:"transport"`
	MQTTPort       int           `mapstructure:"mqtt_port"`
	QoS            int           `mapstructure:"qos"`
	Subscribe      bool          `mapstructure:"subscribe"`
	WebSocketURL   string        `mapstructure:"websocket_url"`
	AccessToken    string        `mapstructure:"access_token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SessionConfig holds the hello request parameters.
type SessionConfig struct {
	ProtocolVersion int           `mapstructure:"protocol_version"`
	AudioFormat     string        `mapstructure:"audio_format"`
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	FrameDuration   int           `mapstructure:"frame_duration"`
	ListenMode      string        `mapstructure:"listen_mode"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	HelloTimeout    time.Duration `mapstructure:"hello_timeout"`
}

// OpusConfig represents uplink encoder tuning.
type OpusConfig struct {
	Bitrate        int    `mapstructure:"bitrate"`
	Complexity     int    `mapstructure:"complexity"`
	FEC            bool   `mapstructure:"fec"`
	DTX            bool   `mapstructure:"dtx"`
	PacketLossPerc int    `mapstructure:"packet_loss_perc"`
	MaxBandwidth   string `mapstructure:"max_bandwidth"`
}

// AudioConfig represents the local capture and playback setup.
type AudioConfig struct {
	Backend             string     `mapstructure:"backend"`
	CaptureDevice       string     `mapstructure:"capture_device"`
	PlaybackDevice      string     `mapstructure:"playback_device"`
	CaptureRate         int        `mapstructure:"capture_rate"`
	PlaybackRate        int        `mapstructure:"playback_rate"`
	JitterCapacity      int        `mapstructure:"jitter_capacity"`
	PlaybackChunkFrames int        `mapstructure:"playback_chunk_frames"`
	Opus                OpusConfig `mapstructure:"opus"`
}

// HTTPConfig represents the local control API.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TranscriptConfig represents the transcript store.
type TranscriptConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// MetricsConfig represents the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config represents a config.
type Config struct {
	RootDir    string           `mapstructure:"-"`
	Log        logger.Config    `mapstructure:"log"`
	Device     DeviceConfig     `mapstructure:"device"`
	OTA        OTAConfig        `mapstructure:"ota"`
	Control    ControlConfig    `mapstructure:"control"`
	Session    SessionConfig    `mapstructure:"session"`
	Audio      AudioConfig      `mapstructure:"audio"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	settings map[string]any
}

// Load reads the embedded defaults, then the optional file at configPath
// (or conf.yaml under the root dir), then XIAOZHI_* environment overrides.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var rootDir string
	path := strings.TrimSpace(configPath)
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, err
		}
		rootDir = rootDirFor(absPath)
		v.SetConfigFile(absPath)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", absPath, err)
		}
	} else {
		var err error
		rootDir, err = resolveRootDir()
		if err != nil {
			return Config{}, err
		}
		v.SetConfigName("conf")
		v.AddConfigPath(rootDir)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	cfg.settings = v.AllSettings()
	derivePaths(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Control.Transport {
	case "auto", "mqtt", "websocket":
	default:
		errs = append(errs, fmt.Errorf("control.transport: unsupported %q", c.Control.Transport))
	}
	if c.Control.QoS < 0 || c.Control.QoS > 2 {
		errs = append(errs, fmt.Errorf("control.qos: %d out of range", c.Control.QoS))
	}
	if c.Session.SampleRate <= 0 || c.Session.Channels <= 0 || c.Session.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("session: sample_rate, channels and frame_duration must be positive"))
	}
	if c.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate: must be positive"))
	}
	if c.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate: must not be negative"))
	}
	return errors.Join(errs...)
}

// YAML renders the effective settings.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings)
}

func rootDirFor(configFile string) string {
	if root := strings.TrimSpace(os.Getenv("XIAOZHI_ROOT_DIR")); root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			return abs
		}
	}
	rootDir := filepath.Dir(configFile)
	if filepath.Base(rootDir) == "config" {
		rootDir = filepath.Dir(rootDir)
	}
	return rootDir
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("XIAOZHI_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, filepath.Join("data", "logs"))
	cfg.Transcript.Dir = resolvePath(cfg.RootDir, cfg.Transcript.Dir, filepath.Join("data", "transcripts"))
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
