// Package app wires the framesync subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New opens every configured device,
// builds the playback schedulers and capture pumps, restores sync group
// membership and attaches workloads; Run serves the HTTP control surface until
// the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithHub,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/framesync/internal/capture"
	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/health"
	"github.com/MrWong99/framesync/internal/monitor"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/internal/playback"
	"github.com/MrWong99/framesync/internal/registry"
	"github.com/MrWong99/framesync/internal/resilience"
	"github.com/MrWong99/framesync/internal/syncgroup"
	"github.com/MrWong99/framesync/pkg/device"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	drivers *config.Registry
	log     *slog.Logger
	metrics *observe.Metrics

	store  registry.Store
	groups *syncgroup.Manager
	hub    *monitor.Hub
	health *health.Handler

	devices  map[string]device.Device
	channels map[string]*Channel
	order    []string // channel names in configuration order

	// mu guards cfg and workload changes.
	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a registry store instead of opening the configured
// backend.
func WithStore(s registry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHub injects the event hub.
func WithHub(h *monitor.Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, opening devices with the factories registered
// in drivers. Channels are left configured but not started; Run starts the
// ones that carry a workload.
func New(ctx context.Context, cfg *config.Config, drivers *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		drivers:  drivers,
		devices:  make(map[string]device.Device),
		channels: make(map[string]*Channel),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.hub == nil {
		a.hub = monitor.NewHub(monitor.WithLogger(a.log))
		a.closers = append(a.closers, func() error { a.hub.Close(); return nil })
	}
	a.groups = syncgroup.NewManager(syncgroup.WithLogger(a.log), syncgroup.WithMetrics(a.metrics))

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Registry ──────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 3. Channels ──────────────────────────────────────────────────────
	if err := a.initChannels(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init channels: %w", err)
	}

	// ── 4. Sync groups ───────────────────────────────────────────────────
	if err := a.initGroups(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sync groups: %w", err)
	}

	// ── 5. Workloads ─────────────────────────────────────────────────────
	for _, name := range a.order {
		ch := a.channels[name]
		cc, _ := cfg.Channel(name)
		if err := a.attachWorkload(ch, cc); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: workload of %q: %w", name, err)
		}
	}

	// ── 6. Health ────────────────────────────────────────────────────────
	chs := make([]health.Channel, 0, len(a.order))
	for _, name := range a.order {
		chs = append(chs, a.channels[name])
	}
	a.health = health.New(
		health.Channels(chs...),
		health.Reference(a.groupedChannels),
		health.Func("registry", func(ctx context.Context) error {
			_, err := a.store.List(ctx, "channel/")
			return err
		}),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDevices opens every configured device.
func (a *App) initDevices() error {
	for _, dc := range a.cfg.Devices {
		dev, err := a.drivers.CreateDevice(dc)
		if err != nil {
			return err
		}
		a.devices[dc.ID] = dev
		a.closers = append(a.closers, dev.Close)
		a.log.Info("opened device", "device", dc.ID, "driver", dc.Driver, "reference", dc.Reference)
	}
	return nil
}

// initStore opens the configured registry backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	rc := a.cfg.Registry
	switch rc.Backend {
	case config.RegistryFile:
		fs, err := registry.OpenFile(rc.Path)
		if err != nil {
			return err
		}
		a.store = fs
	case config.RegistryPostgres:
		store, err := a.openPostgres(ctx, rc)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = registry.NewMemStore(nil)
	}
	a.log.Info("registry ready", "backend", string(rc.Backend))
	return nil
}

// initChannels builds a scheduler or pump per configured channel. Ports are
// assigned per device in configuration order.
func (a *App) initChannels(ctx context.Context) error {
	ports := newPorts()
	for _, cc := range a.cfg.Channels {
		conn, err := a.connector(ctx, cc)
		if err != nil {
			return fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		parsed, err := parseChannel(cc, conn)
		if err != nil {
			return fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		dev, ok := a.devices[cc.Device]
		if !ok {
			return fmt.Errorf("channel %q: unknown device %q", cc.Name, cc.Device)
		}

		ch := &Channel{
			name:      cc.Name,
			device:    cc.Device,
			dir:       parsed.dir,
			conn:      parsed.conn,
			timeScale: cc.TimeScale,
			detect:    cc.FormatDetection,
			audio:     parsed.audio,
			audioMode: parsed.amode,
			mode:      parsed.mode,
			format:    parsed.format,
			hub:       a.hub,
			log:       a.log.With("channel", cc.Name, "device", cc.Device),
		}
		// Registered before configuring so a failed enable still closes it.
		a.channels[cc.Name] = ch
		a.order = append(a.order, cc.Name)

		port := ports.next(cc.Device, parsed.dir)
		if parsed.dir == channel.Playback {
			err = a.buildPlayback(ch, dev, port, parsed)
		} else {
			err = a.buildCapture(ch, dev, port, parsed)
		}
		if err != nil {
			return fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		a.log.Info("channel configured", "channel", cc.Name, "direction", parsed.dir.String(),
			"port", port, "mode", parsed.mode.Name, "format", parsed.format.String(), "connection", parsed.conn.String())
	}
	return nil
}

// openPostgres opens the postgres registry, mirrored to a file when
// fallback_path is set. With a mirror an unreachable database degrades to the
// file instead of failing startup.
func (a *App) openPostgres(ctx context.Context, rc config.RegistryConfig) (registry.Store, error) {
	pg, pgErr := registry.OpenPostgres(ctx, rc.PostgresDSN)
	if rc.FallbackPath == "" {
		if pgErr != nil {
			return nil, pgErr
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		return pg, nil
	}

	mirror, err := registry.OpenFile(rc.FallbackPath)
	if err != nil {
		if pg != nil {
			pg.Close()
		}
		return nil, err
	}
	if pgErr != nil {
		a.log.Warn("postgres registry unreachable, using file mirror", "path", rc.FallbackPath, "err", pgErr)
		return mirror, nil
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	sf := resilience.NewStoreFallback(pg, "postgres", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{ResetTimeout: 10 * time.Second},
	})
	sf.AddFallback("file", mirror)
	return sf, nil
}

// connector returns the channel's connection, preferring the registry.
func (a *App) connector(ctx context.Context, cc config.ChannelConfig) (string, error) {
	v, err := a.store.Get(ctx, registry.ConnectorKey(cc.Name))
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, registry.ErrNotFound):
		return cc.Connection, nil
	default:
		return "", err
	}
}

func (a *App) buildPlayback(ch *Channel, dev device.Device, port int, parsed channelSetup) error {
	out, err := dev.Output(port)
	if err != nil {
		return err
	}
	sc := a.cfg.Scheduler
	ch.sched = playback.New(ch.name, out,
		playback.WithLogger(a.log),
		playback.WithMetrics(a.metrics),
		playback.WithVideoCapacity(sc.VideoBufferFrames),
		playback.WithAudioBufferMillis(sc.AudioBufferMillis),
		playback.WithRenderInterval(sc.RenderInterval),
		playback.WithPollInterval(sc.PollInterval),
		playback.WithConnection(parsed.conn),
		playback.WithFailureThreshold(sc.DeviceFailureThreshold),
	)
	a.closers = append(a.closers, ch.close)
	ch.sched.SetHandler(playbackEvents{ch})

	if err := ch.sched.EnableVideo(parsed.mode, parsed.format, 0); err != nil {
		return err
	}
	if parsed.audio != nil {
		if err := ch.sched.EnableAudio(*parsed.audio, parsed.amode); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildCapture(ch *Channel, dev device.Device, port int, parsed channelSetup) error {
	src, err := dev.Input(port)
	if err != nil {
		return err
	}
	cc := a.cfg.Capture
	ch.pump = capture.New(ch.name, src,
		capture.WithLogger(a.log),
		capture.WithMetrics(a.metrics),
		capture.WithBufferFrames(cc.BufferFrames),
		capture.WithValidation(cc.ValidateFrames),
		capture.WithConnection(parsed.conn),
		capture.WithTimeScale(parsed.cfg.TimeScale),
	)
	a.closers = append(a.closers, ch.close)
	ch.pump.SetHandler(captureEvents{ch})

	var flags capture.Flags
	if parsed.cfg.FormatDetection {
		flags |= capture.FlagFormatDetection
	}
	if err := ch.pump.EnableVideo(parsed.mode, parsed.format, flags); err != nil {
		return err
	}
	if parsed.audio != nil {
		if err := ch.pump.EnableAudio(*parsed.audio); err != nil {
			return err
		}
	}
	return nil
}

// initGroups restores membership from the registry, then seeds channels the
// registry does not mention from their configured sync_group.
func (a *App) initGroups(ctx context.Context) error {
	err := a.groups.Apply(ctx, a.store, func(name string) (syncgroup.Member, bool) {
		ch, ok := a.channels[name]
		if !ok {
			return nil, false
		}
		return ch.member(), true
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, cc := range a.cfg.Channels {
		if cc.SyncGroup == "" {
			continue
		}
		if _, grouped := a.groups.GroupOf(cc.Name); grouped {
			continue
		}
		if _, err := a.store.Get(ctx, registry.SyncGroupKey(cc.Name)); err == nil {
			// An empty registry entry deliberately ungroups the channel.
			continue
		}
		if err := a.groups.Join(a.channels[cc.Name].member(), cc.SyncGroup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// attachWorkload sets the channel's workload from cc, replacing any previous
// one.
func (a *App) attachWorkload(ch *Channel, cc config.ChannelConfig) error {
	if ch.sched == nil {
		return nil
	}
	kind, arg := cc.WorkloadKind()
	switch kind {
	case "":
		ch.setProducer(nil, "")
	case config.WorkloadPattern:
		p, err := newPatternSource(ch, a.cfg.Scheduler.VideoBufferFrames)
		if err != nil {
			return err
		}
		ch.setProducer(p, cc.Workload)
	case config.WorkloadLoopback:
		src, ok := a.channels[arg]
		if !ok || src.pump == nil {
			return fmt.Errorf("loopback source %q is not a capture channel", arg)
		}
		ch.setProducer(newBridge(ch, src, cc.LoopbackDelayFrames), cc.Workload)
	default:
		return fmt.Errorf("unknown workload %q", cc.Workload)
	}
	return nil
}

// groupedChannels lists every channel that belongs to a sync group.
func (a *App) groupedChannels() []health.Referenced {
	var out []health.Referenced
	for _, name := range a.order {
		if _, ok := a.groups.GroupOf(name); ok {
			out = append(out, a.channels[name])
		}
	}
	return out
}

// ─── Channel control ─────────────────────────────────────────────────────────

// Channel returns the named channel.
func (a *App) Channel(name string) (*Channel, bool) {
	ch, ok := a.channels[name]
	return ch, ok
}

// Channels returns a snapshot of every channel in configuration order.
func (a *App) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, len(a.order))
	for _, name := range a.order {
		group, _ := a.groups.GroupOf(name)
		out = append(out, a.channels[name].Info(group))
	}
	return out
}

// Groups returns the sync groups and their members.
func (a *App) Groups() map[string][]string {
	out := make(map[string][]string)
	for _, key := range a.groups.Groups() {
		out[key] = a.groups.Members(key)
	}
	return out
}

// Start starts the named channel. On a grouped channel every member's
// workload is primed and the whole group starts at one instant.
func (a *App) Start(ctx context.Context, name string) error {
	ch, ok := a.channels[name]
	if !ok {
		return fmt.Errorf("app: start %q: %w", name, errUnknownChannel)
	}
	log := observe.Logger(ctx).With("channel", name)

	targets := []*Channel{ch}
	if key, grouped := a.groups.GroupOf(name); grouped {
		targets = targets[:0]
		for _, id := range a.groups.Members(key) {
			targets = append(targets, a.channels[id])
		}
	}
	for _, t := range targets {
		if err := t.prime(); err != nil {
			return fmt.Errorf("app: prime %q: %w", t.name, err)
		}
	}
	if err := ch.start(); err != nil {
		return err
	}
	log.Info("channel started", "members", len(targets))
	a.publishStates(targets)
	return nil
}

// Stop stops the named channel, or its whole group.
func (a *App) Stop(ctx context.Context, name string) error {
	ch, ok := a.channels[name]
	if !ok {
		return fmt.Errorf("app: stop %q: %w", name, errUnknownChannel)
	}
	if err := ch.stop(); err != nil {
		return err
	}
	observe.Logger(ctx).Info("channel stopped", "channel", name)
	a.publishStates([]*Channel{ch})
	return nil
}

// Pause toggles the named capture channel, or its whole group, between
// running and paused.
func (a *App) Pause(ctx context.Context, name string) error {
	ch, ok := a.channels[name]
	if !ok {
		return fmt.Errorf("app: pause %q: %w", name, errUnknownChannel)
	}
	if err := ch.pause(); err != nil {
		return err
	}
	observe.Logger(ctx).Info("channel pause toggled", "channel", name, "state", ch.State().String())
	a.publishStates([]*Channel{ch})
	return nil
}

// SetGroup moves the named channel into group key. An empty key leaves the
// current group. The change lives in memory until Persist.
func (a *App) SetGroup(name, key string) error {
	ch, ok := a.channels[name]
	if !ok {
		return fmt.Errorf("app: set group of %q: %w", name, errUnknownChannel)
	}
	return a.groups.Join(ch.member(), key)
}

// Persist writes sync group membership to the registry, saving file-backed
// registries to disk.
func (a *App) Persist(ctx context.Context) error {
	if err := a.groups.Persist(ctx, a.store); err != nil {
		return err
	}
	if s, ok := a.store.(interface{ Save(context.Context) error }); ok {
		return s.Save(ctx)
	}
	return nil
}

func (a *App) publishStates(chs []*Channel) {
	for _, ch := range chs {
		a.hub.Publish(monitor.Event{Type: monitor.EventState, Channel: ch.name, State: ch.State().String()})
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable differences between the running
// config and next: sync group seeds and workloads. Everything else is
// reported by [config.Diff] as needing a restart and is left alone.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	diff := config.Diff(a.cfg, next)
	var errs []error
	if diff.VideoBufferChanged {
		for _, name := range a.order {
			if ch := a.channels[name]; ch.sched != nil {
				if err := ch.sched.SetVideoCapacity(diff.NewVideoBufferFrames); err != nil {
					errs = append(errs, err)
				}
			}
		}
		a.log.Info("video buffer depth changed", "frames", diff.NewVideoBufferFrames)
	}
	for _, cd := range diff.ChannelChanges {
		ch, ok := a.channels[cd.Name]
		if !ok || cd.Removed {
			continue
		}
		cc, _ := next.Channel(cd.Name)
		if cd.SyncGroupChanged {
			if _, err := a.store.Get(ctx, registry.SyncGroupKey(cd.Name)); err == nil {
				a.log.Info("registry overrides sync_group", "channel", cd.Name)
			} else if err := a.groups.Join(ch.member(), cc.SyncGroup); err != nil {
				errs = append(errs, err)
			}
		}
		if cd.WorkloadChanged {
			if err := a.attachWorkload(ch, cc); err != nil {
				errs = append(errs, fmt.Errorf("workload of %q: %w", cd.Name, err))
			}
		}
	}
	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", diff.RestartRequired)
	}
	a.cfg = next
	return errors.Join(errs...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every channel with a workload, serves the HTTP control surface
// on the configured address and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Closing the hub first ends websocket handlers, which Shutdown would
		// otherwise wait for.
		a.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	a.startWorkloads(gctx)
	a.log.Info("app running", "addr", srv.Addr, "channels", len(a.order), "groups", len(a.groups.Groups()))

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// startWorkloads starts every playback channel that has a workload. Members of
// a group already started by an earlier channel are skipped.
func (a *App) startWorkloads(ctx context.Context) {
	for _, name := range a.order {
		ch := a.channels[name]
		if ch.currentProducer() == nil || ch.State().Streaming() {
			continue
		}
		if err := a.Start(ctx, name); err != nil {
			a.log.Warn("failed to start workload", "channel", name, "err", err)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}
