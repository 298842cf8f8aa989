package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, cfg.Role)
	assert.Equal(t, RelayWebsocket, cfg.Relay.Kind)
	assert.Equal(t, 10*time.Second, cfg.Negotiation.AnswerTimeout)
	assert.Equal(t, 5, cfg.Negotiation.MaxRestarts)
	require.Len(t, cfg.WebRTCICEServers(), 1)
}

func TestLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
role = "station"
id = "from-file"
log_level = "debug"

[relay]
room = "lab"
kind = "redis"

[media]
source = "rtp"
audio = false

[media.settings]
mirror_x = true
rotate = 180

[negotiation]
answer_timeout = "3s"
`), 0o600))

	t.Setenv("STATION_ID", "from-env")
	t.Setenv("STATION_ROOM", "garage")
	t.Setenv("STATION_ICE_SERVERS", "stun:a:3478,stun:b:3478")

	cfg, err := Load([]string{"--config", path, "--room", "roof", "--max-restarts", "2"})
	require.NoError(t, err)

	assert.Equal(t, RoleStation, cfg.Role, "file")
	assert.Equal(t, RelayRedis, cfg.Relay.Kind, "file")
	assert.Equal(t, "from-env", cfg.ID, "env beats file")
	assert.Equal(t, "roof", cfg.Relay.Room, "flag beats env")
	assert.Equal(t, 2, cfg.Negotiation.MaxRestarts)
	assert.Equal(t, 3*time.Second, cfg.Negotiation.AnswerTimeout)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.ICEServers)
	assert.True(t, cfg.Media.Settings.MirrorX)
	assert.Equal(t, 180, cfg.Media.Settings.Rotate)

	rtpCfg := cfg.RTP(nil)
	assert.NotEmpty(t, rtpCfg.VideoAddr)
	assert.Empty(t, rtpCfg.AudioAddr)
	assert.Empty(t, cfg.FFmpeg(nil).AudioDevice)
}

func TestUnsetFlagsKeepLowerLayers(t *testing.T) {
	t.Setenv("STATION_RELAY_URL", "ws://hub.internal/ws/hub")
	cfg, err := Load([]string{"--role", "station"})
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.internal/ws/hub", cfg.Relay.URL)
	assert.Equal(t, RoleStation, cfg.Role)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"role":      func(c *Config) { c.Role = "director" },
		"relay":     func(c *Config) { c.Relay.Kind = "carrier-pigeon" },
		"media":     func(c *Config) { c.Media.Source = "screen" },
		"log level": func(c *Config) { c.LogLevel = "loud" },
		"no tracks": func(c *Config) {
			c.Role = RoleStation
			c.Media.Video, c.Media.Audio = false, false
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestBadFlag(t *testing.T) {
	_, err := Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestLoggerFactoryLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "ERROR"
	lf, ok := cfg.LoggerFactory().(*logging.DefaultLoggerFactory)
	require.True(t, ok)
	assert.Equal(t, logging.LogLevelError, lf.DefaultLogLevel)
}
