// Package config loads participant settings: defaults, then an optional
// TOML file, then STATION_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/n0remac/station-webrtc/media"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

var ErrInvalid = errors.New("config: invalid")

const (
	RoleStation = "station"
	RoleViewer  = "viewer"

	RelayWebsocket = "websocket"
	RelayRedis     = "redis"
)

type Config struct {
	Role string `toml:"role"`
	ID   string `toml:"id"`

	Relay       RelayConfig       `toml:"relay"`
	ICEServers  []string          `toml:"ice_servers"`
	Media       MediaConfig       `toml:"media"`
	Sink        SinkConfig        `toml:"sink"`
	Negotiation NegotiationConfig `toml:"negotiation"`
	Hub         HubConfig         `toml:"hub"`

	StatusAddr string `toml:"status_addr"`
	JournalDSN string `toml:"journal"`
	LogLevel   string `toml:"log_level"`
}

type RelayConfig struct {
	Kind          string `toml:"kind"`
	URL           string `toml:"url"`
	Room          string `toml:"room"`
	Token         string `toml:"token"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type MediaConfig struct {
	// Source is "ffmpeg" or "rtp" (encoder managed elsewhere).
	Source      string         `toml:"source"`
	Device      string         `toml:"device"`
	Format      string         `toml:"format"`
	FPS         int            `toml:"fps"`
	Size        string         `toml:"size"`
	Video       bool           `toml:"video"`
	Audio       bool           `toml:"audio"`
	AudioDevice string         `toml:"audio_device"`
	VideoAddr   string         `toml:"video_addr"`
	AudioAddr   string         `toml:"audio_addr"`
	Settings    media.Settings `toml:"settings"`
}

type SinkConfig struct {
	VideoAddr string `toml:"video_addr"`
	AudioAddr string `toml:"audio_addr"`
}

type NegotiationConfig struct {
	AnswerTimeout   time.Duration `toml:"answer_timeout"`
	MaxRestarts     int           `toml:"max_restarts"`
	RestartInterval time.Duration `toml:"restart_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
	GiveUpAfter     time.Duration `toml:"give_up_after"`
}

type HubConfig struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

func Default() Config {
	return Config{
		Role: RoleViewer,
		Relay: RelayConfig{
			Kind:      RelayWebsocket,
			URL:       "ws://localhost:8080/ws/hub",
			Room:      "default",
			RedisAddr: "localhost:6379",
		},
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		Media: MediaConfig{
			Source:      "ffmpeg",
			Device:      media.DefaultVideoDevice,
			Format:      "v4l2",
			FPS:         30,
			Size:        "640x480",
			Video:       true,
			Audio:       true,
			AudioDevice: "hw:1,0",
			VideoAddr:   "127.0.0.1:5004",
			AudioAddr:   "127.0.0.1:5006",
		},
		Negotiation: NegotiationConfig{
			AnswerTimeout:   10 * time.Second,
			MaxRestarts:     5,
			RestartInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			GiveUpAfter:     30 * time.Second,
		},
		Hub:        HubConfig{Addr: ":8080"},
		StatusAddr: "",
		JournalDSN: "memory",
		LogLevel:   "info",
	}
}

// Load builds the configuration for a process started with args.
func Load(args []string) (*Config, error) {
	fv := Default()
	fs := pflag.NewFlagSet("station", pflag.ContinueOnError)
	path := fs.String("config", getEnv("STATION_CONFIG", ""), "TOML config file")
	bindings := bind(fs, &fv)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		if _, err := toml.DecodeFile(*path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", *path, err)
		}
	}
	applyEnv(&cfg)
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := bindings[f.Name]; ok {
			apply(&cfg, &fv)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type applyFunc func(dst, flags *Config)

func bind(fs *pflag.FlagSet, fv *Config) map[string]applyFunc {
	fs.StringVar(&fv.Role, "role", fv.Role, "station or viewer")
	fs.StringVar(&fv.ID, "id", fv.ID, "participant id (random when empty)")
	fs.StringVar(&fv.Relay.Kind, "relay", fv.Relay.Kind, "relay kind: websocket or redis")
	fs.StringVar(&fv.Relay.URL, "server", fv.Relay.URL, "hub URL for the websocket relay")
	fs.StringVar(&fv.Relay.Room, "room", fv.Relay.Room, "room name")
	fs.StringVar(&fv.Relay.Token, "token", fv.Relay.Token, "participant token for the hub")
	fs.StringVar(&fv.Relay.RedisAddr, "redis", fv.Relay.RedisAddr, "redis address for the redis relay")
	fs.StringSliceVar(&fv.ICEServers, "ice", fv.ICEServers, "ICE server URLs")
	fs.StringVar(&fv.Media.Source, "media", fv.Media.Source, "media source: ffmpeg or rtp")
	fs.StringVar(&fv.Media.Device, "device", fv.Media.Device, "capture device")
	fs.BoolVar(&fv.Media.Audio, "audio", fv.Media.Audio, "send audio")
	fs.BoolVar(&fv.Media.Video, "video", fv.Media.Video, "send video")
	fs.StringVar(&fv.Sink.VideoAddr, "play-video", fv.Sink.VideoAddr, "forward received video RTP to this UDP address")
	fs.DurationVar(&fv.Negotiation.AnswerTimeout, "answer-timeout", fv.Negotiation.AnswerTimeout, "time to wait for an answer")
	fs.IntVar(&fv.Negotiation.MaxRestarts, "max-restarts", fv.Negotiation.MaxRestarts, "ICE restarts before giving up")
	fs.StringVar(&fv.Hub.Addr, "listen", fv.Hub.Addr, "hub listen address")
	fs.StringVar(&fv.Hub.Secret, "secret", fv.Hub.Secret, "hub token secret")
	fs.StringVar(&fv.StatusAddr, "status", fv.StatusAddr, "status server address (disabled when empty)")
	fs.StringVar(&fv.JournalDSN, "journal", fv.JournalDSN, "journal DSN: memory, sqlite://path or postgres URL")
	fs.StringVar(&fv.LogLevel, "log-level", fv.LogLevel, "error, warn, info, debug or trace")

	return map[string]applyFunc{
		"role":           func(d, f *Config) { d.Role = f.Role },
		"id":             func(d, f *Config) { d.ID = f.ID },
		"relay":          func(d, f *Config) { d.Relay.Kind = f.Relay.Kind },
		"server":         func(d, f *Config) { d.Relay.URL = f.Relay.URL },
		"room":           func(d, f *Config) { d.Relay.Room = f.Relay.Room },
		"token":          func(d, f *Config) { d.Relay.Token = f.Relay.Token },
		"redis":          func(d, f *Config) { d.Relay.RedisAddr = f.Relay.RedisAddr },
		"ice":            func(d, f *Config) { d.ICEServers = f.ICEServers },
		"media":          func(d, f *Config) { d.Media.Source = f.Media.Source },
		"device":         func(d, f *Config) { d.Media.Device = f.Media.Device },
		"audio":          func(d, f *Config) { d.Media.Audio = f.Media.Audio },
		"video":          func(d, f *Config) { d.Media.Video = f.Media.Video },
		"play-video":     func(d, f *Config) { d.Sink.VideoAddr = f.Sink.VideoAddr },
		"answer-timeout": func(d, f *Config) { d.Negotiation.AnswerTimeout = f.Negotiation.AnswerTimeout },
		"max-restarts":   func(d, f *Config) { d.Negotiation.MaxRestarts = f.Negotiation.MaxRestarts },
		"listen":         func(d, f *Config) { d.Hub.Addr = f.Hub.Addr },
		"secret":         func(d, f *Config) { d.Hub.Secret = f.Hub.Secret },
		"status":         func(d, f *Config) { d.StatusAddr = f.StatusAddr },
		"journal":        func(d, f *Config) { d.JournalDSN = f.JournalDSN },
		"log-level":      func(d, f *Config) { d.LogLevel = f.LogLevel },
	}
}

func applyEnv(cfg *Config) {
	cfg.Role = getEnv("STATION_ROLE", cfg.Role)
	cfg.ID = getEnv("STATION_ID", cfg.ID)
	cfg.Relay.Kind = getEnv("STATION_RELAY", cfg.Relay.Kind)
	cfg.Relay.URL = getEnv("STATION_RELAY_URL", cfg.Relay.URL)
	cfg.Relay.Room = getEnv("STATION_ROOM", cfg.Relay.Room)
	cfg.Relay.Token = getEnv("STATION_TOKEN", cfg.Relay.Token)
	cfg.Relay.RedisAddr = getEnv("STATION_REDIS_ADDR", cfg.Relay.RedisAddr)
	cfg.Relay.RedisPassword = getEnv("STATION_REDIS_PASSWORD", cfg.Relay.RedisPassword)
	if v := os.Getenv("STATION_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.RedisDB = n
		}
	}
	if v := os.Getenv("STATION_ICE_SERVERS"); v != "" {
		cfg.ICEServers = strings.Split(v, ",")
	}
	cfg.Media.Source = getEnv("STATION_MEDIA_SOURCE", cfg.Media.Source)
	cfg.Media.Device = getEnv("STATION_DEVICE", cfg.Media.Device)
	cfg.Hub.Addr = getEnv("STATION_HUB_ADDR", cfg.Hub.Addr)
	cfg.Hub.Secret = getEnv("STATION_HUB_SECRET", cfg.Hub.Secret)
	cfg.StatusAddr = getEnv("STATION_STATUS_ADDR", cfg.StatusAddr)
	cfg.JournalDSN = getEnv("STATION_JOURNAL", cfg.JournalDSN)
	cfg.LogLevel = getEnv("STATION_LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleStation, RoleViewer:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalid, c.Role)
	}
	switch c.Relay.Kind {
	case RelayWebsocket, RelayRedis:
	default:
		return fmt.Errorf("%w: relay %q", ErrInvalid, c.Relay.Kind)
	}
	switch c.Media.Source {
	case "ffmpeg", "rtp":
	default:
		return fmt.Errorf("%w: media source %q", ErrInvalid, c.Media.Source)
	}
	if c.Role == RoleStation && !c.Media.Video && !c.Media.Audio {
		return fmt.Errorf("%w: station sends neither video nor audio", ErrInvalid)
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

// LoggerFactory returns a factory logging at the configured level.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	if lvl, ok := logLevels[strings.ToLower(c.LogLevel)]; ok {
		lf.DefaultLogLevel = lvl
	}
	return lf
}

func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), c.ICEServers...)}}
}

// FFmpeg returns the capture settings for the ffmpeg provider.
func (c *Config) FFmpeg(lf logging.LoggerFactory) media.FFmpegConfig {
	m := c.Media
	out := media.FFmpegConfig{
		Binary:        "ffmpeg",
		Format:        m.Format,
		FPS:           m.FPS,
		Size:          m.Size,
		Video:         m.Video,
		VideoAddr:     m.VideoAddr,
		AudioAddr:     m.AudioAddr,
		Settings:      m.Settings,
		LoggerFactory: lf,
	}
	if m.Audio {
		out.AudioDevice = m.AudioDevice
	}
	return out
}

// RTP returns the ingest settings for an externally managed encoder.
func (c *Config) RTP(lf logging.LoggerFactory) media.RTPConfig {
	out := media.RTPConfig{Settings: c.Media.Settings, LoggerFactory: lf}
	if c.Media.Video {
		out.VideoAddr = c.Media.VideoAddr
	}
	if c.Media.Audio {
		out.AudioAddr = c.Media.AudioAddr
	}
	return out
}
