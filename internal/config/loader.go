package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/playback"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/media"
	"gopkg.in/yaml.v3"
)

// KnownDrivers lists the device drivers shipped with framesync.
// Used by [Validate] to warn about unrecognised driver names.
var KnownDrivers = []string{"emulated"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Registry
	switch cfg.Registry.Backend {
	case "", RegistryMemory:
	case RegistryFile:
		if cfg.Registry.Path == "" {
			errs = append(errs, errors.New("registry.path is required when backend is file"))
		}
	case RegistryPostgres:
		if cfg.Registry.PostgresDSN == "" {
			errs = append(errs, errors.New("registry.postgres_dsn is required when backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.backend %q is invalid; valid values: memory, file, postgres", cfg.Registry.Backend))
	}
	if cfg.Registry.FallbackPath != "" && cfg.Registry.Backend != RegistryPostgres {
		errs = append(errs, errors.New("registry.fallback_path is only valid with the postgres backend"))
	}
	if cfg.Registry.Backend == RegistryMemory || cfg.Registry.Backend == "" {
		slog.Warn("registry.backend is memory; sync group assignments will not survive a restart")
	}

	// Scheduler and capture tuning
	s := cfg.Scheduler
	if s.VideoBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("scheduler.video_buffer_frames %d must not be negative", s.VideoBufferFrames))
	}
	if s.AudioBufferMillis < 0 {
		errs = append(errs, fmt.Errorf("scheduler.audio_buffer_ms %d must not be negative", s.AudioBufferMillis))
	}
	if s.RenderInterval < 0 || s.PollInterval < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}
	if s.DeviceFailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("scheduler.device_failure_threshold %d must not be negative", s.DeviceFailureThreshold))
	}
	if cfg.Capture.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_frames %d must not be negative", cfg.Capture.BufferFrames))
	}

	// Devices
	devicesSeen := make(map[string]int, len(cfg.Devices))
	for i, d := range cfg.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := devicesSeen[d.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of devices[%d]", prefix, d.ID, prev))
			}
			devicesSeen[d.ID] = i
		}
		if d.ClockRate < 0 {
			errs = append(errs, fmt.Errorf("%s.clock_rate %d must be positive", prefix, d.ClockRate))
		}
		if d.SignalMode != "" {
			if _, ok := media.LookupMode(d.SignalMode); !ok {
				errs = append(errs, fmt.Errorf("%s.signal_mode %q is not a known display mode", prefix, d.SignalMode))
			}
		}
		if d.Driver != "" && !slices.Contains(KnownDrivers, d.Driver) {
			slog.Warn("unknown device driver, may be a typo or an externally registered driver",
				"device", d.ID,
				"driver", d.Driver,
				"known", KnownDrivers,
			)
		}
	}

	// Channels
	channelsSeen := make(map[string]int, len(cfg.Channels))
	directions := make(map[string]channel.Direction, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := channelsSeen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of channels[%d]", prefix, ch.Name, prev))
			}
			channelsSeen[ch.Name] = i
		}
		if _, ok := devicesSeen[ch.Device]; !ok {
			errs = append(errs, fmt.Errorf("%s.device %q does not name a configured device", prefix, ch.Device))
		}
		dir, err := channel.ParseDirection(ch.Direction)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.direction %q is invalid; valid values: playback, capture", prefix, ch.Direction))
		} else if ch.Name != "" {
			directions[ch.Name] = dir
		}
		if _, err := device.ParseConnection(ch.Connection); err != nil {
			errs = append(errs, fmt.Errorf("%s.connection: %w", prefix, err))
		}
		if _, ok := media.LookupMode(ch.DisplayMode); !ok {
			errs = append(errs, fmt.Errorf("%s.display_mode %q is not a known display mode", prefix, ch.DisplayMode))
		}
		if _, err := media.ParsePixelFormat(ch.PixelFormat); err != nil {
			errs = append(errs, fmt.Errorf("%s.pixel_format: %w", prefix, err))
		}
		if ch.TimeScale < 0 {
			errs = append(errs, fmt.Errorf("%s.time_scale %d must not be negative", prefix, ch.TimeScale))
		}
		if ch.FormatDetection && dir != channel.Capture {
			errs = append(errs, fmt.Errorf("%s.format_detection is only valid on capture channels", prefix))
		}
		if a := ch.Audio; a != nil {
			f := media.AudioFormat{SampleRate: a.SampleRate, Channels: a.Channels, SampleBits: a.SampleBits}
			if err := f.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.audio: %w", prefix, err))
			}
			if _, err := playback.ParseAudioMode(a.Mode); err != nil {
				errs = append(errs, fmt.Errorf("%s.audio.mode: %w", prefix, err))
			}
		}
	}

	// Workloads and sync groups need every channel's direction.
	groupDir := make(map[string]channel.Direction)
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		dir, known := directions[ch.Name]
		kind, arg := ch.WorkloadKind()
		switch kind {
		case "":
		case WorkloadPattern, WorkloadLoopback:
			if known && dir != channel.Playback {
				errs = append(errs, fmt.Errorf("%s.workload %q requires a playback channel", prefix, ch.Workload))
			}
			if kind == WorkloadLoopback {
				if src, ok := directions[arg]; !ok || src != channel.Capture {
					errs = append(errs, fmt.Errorf("%s.workload %q must name a capture channel", prefix, ch.Workload))
				}
				if ch.LoopbackDelayFrames < 1 {
					errs = append(errs, fmt.Errorf("%s.loopback_delay_frames %d must be at least 1", prefix, ch.LoopbackDelayFrames))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("%s.workload %q is invalid; valid values: pattern, loopback:<channel>", prefix, ch.Workload))
		}

		if ch.SyncGroup == "" || !known {
			continue
		}
		if prev, ok := groupDir[ch.SyncGroup]; ok && prev != dir {
			errs = append(errs, fmt.Errorf("%s.sync_group %q mixes playback and capture channels", prefix, ch.SyncGroup))
		}
		groupDir[ch.SyncGroup] = dir
		if d, ok := cfg.Device(ch.Device); ok && d.Reference == "" {
			slog.Warn("grouped channel's device has no timing reference; group starts will fail",
				"channel", ch.Name,
				"device", ch.Device,
				"sync_group", ch.SyncGroup,
			)
		}
	}

	return errors.Join(errs...)
}
