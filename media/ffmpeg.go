package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/logging"
)

const DefaultVideoDevice = "/dev/video0"

type FFmpegConfig struct {
	Binary string
	// Format is the capture input format, e.g. v4l2 or avfoundation.
	Format string
	FPS    int
	Size   string
	// AudioDevice is the ALSA capture device. Empty disables audio.
	AudioDevice string
	Video       bool
	// VideoAddr and AudioAddr are the local RTP ingest addresses.
	VideoAddr     string
	AudioAddr     string
	Settings      Settings
	LoggerFactory logging.LoggerFactory
}

func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary:      "ffmpeg",
		Format:      "v4l2",
		FPS:         30,
		Size:        "640x480",
		AudioDevice: "hw:1,0",
		Video:       true,
		VideoAddr:   "127.0.0.1:5004",
		AudioAddr:   "127.0.0.1:5006",
	}
}

// FFmpegProvider captures with ffmpeg and ingests its RTP output.
type FFmpegProvider struct {
	cfg FFmpegConfig
	log logging.LeveledLogger
}

func NewFFmpegProvider(cfg FFmpegConfig) *FFmpegProvider {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &FFmpegProvider{cfg: cfg, log: cfg.LoggerFactory.NewLogger("media")}
}

func (p *FFmpegProvider) Acquire(ctx context.Context, deviceID string) (Stream, error) {
	bin, err := exec.LookPath(p.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if deviceID == "" {
		deviceID = DefaultVideoDevice
	}
	if p.cfg.Video {
		if _, err := os.Stat(deviceID); err != nil && p.cfg.Format == "v4l2" {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
	}

	rtpCfg := RTPConfig{Settings: p.cfg.Settings, LoggerFactory: p.cfg.LoggerFactory}
	if p.cfg.Video {
		rtpCfg.VideoAddr = p.cfg.VideoAddr
	}
	if p.cfg.AudioDevice != "" {
		rtpCfg.AudioAddr = p.cfg.AudioAddr
	}
	in, err := ListenRTP(rtpCfg)
	if err != nil {
		return nil, err
	}

	s := &ffmpegStream{RTPStream: in, log: p.log}
	if p.cfg.Video {
		s.start(ctx, bin, p.videoArgs(deviceID, in.Addr(KindVideo).String()))
	}
	if p.cfg.AudioDevice != "" {
		s.start(ctx, bin, p.audioArgs(in.Addr(KindAudio).String()))
	}
	return s, nil
}

func (p *FFmpegProvider) videoArgs(device, addr string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", p.cfg.Format,
	}
	if p.cfg.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(p.cfg.FPS), "-video_size", p.cfg.Size)
	}
	args = append(args, "-i", device)
	if vf := videoFilter(p.cfg.Settings); vf != "" {
		args = append(args, "-vf", vf)
	}
	return append(args,
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p", "-an",
		"-f", "rtp", "-payload_type", strconv.Itoa(int(PayloadTypeH264)),
		"rtp://"+addr,
	)
}

func (p *FFmpegProvider) audioArgs(addr string) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "alsa", "-ar", "48000", "-ac", "1",
		"-i", p.cfg.AudioDevice,
		"-acodec", "libopus",
		"-f", "rtp", "-payload_type", strconv.Itoa(int(PayloadTypeOpus)),
		"rtp://" + addr,
	}
}

// videoFilter renders settings as an ffmpeg -vf chain.
func videoFilter(s Settings) string {
	var f []string
	if s.MirrorX {
		f = append(f, "hflip")
	}
	if s.MirrorY {
		f = append(f, "vflip")
	}
	switch ((s.Rotate % 360) + 360) % 360 {
	case 90:
		f = append(f, "transpose=1")
	case 180:
		f = append(f, "transpose=1,transpose=1")
	case 270:
		f = append(f, "transpose=2")
	}
	return strings.Join(f, ",")
}

type ffmpegStream struct {
	*RTPStream
	log logging.LeveledLogger

	mu    sync.Mutex
	procs []*exec.Cmd
	wg    sync.WaitGroup
}

func (s *ffmpegStream) start(ctx context.Context, bin string, args []string) {
	s.log.Infof("running ffmpeg %v", args)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.log.Errorf("ffmpeg start: %v", err)
		return
	}
	s.mu.Lock()
	s.procs = append(s.procs, cmd)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.log.Warnf("ffmpeg exited: %v", err)
		}
	}()
}

func (s *ffmpegStream) Stop() error {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()
	var errs []error
	for _, cmd := range procs {
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, err)
			}
		}
	}
	s.wg.Wait()
	errs = append(errs, s.RTPStream.Stop())
	return errors.Join(errs...)
}
