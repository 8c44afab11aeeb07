// Package syncgroup applies start, stop and pause to every channel of a
// synchronization group as of one shared hardware instant.
//
// A group holds channels of one direction. Once joined, a channel routes its
// own Start, Stop and Pause calls to the [Manager], so issuing them on any
// member applies to all. Starting is two-phase: every member is prepared
// concurrently, verifying that its device is locked to the timing reference,
// and only when all succeed is the group fired at one anchor tick per device
// clock. If any preparation fails, all prepared members are cancelled and
// none of them starts.
package syncgroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/framesync/internal/channel"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/internal/registry"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// Member is a channel that can take part in a group. Playback schedulers and
// capture pumps implement it.
type Member interface {
	ChannelID() string
	Direction() channel.Direction
	State() channel.State
	Clock() timebase.Clock
	ReferenceLocked() bool

	// SetGroup routes the member's own control calls through g.
	SetGroup(g channel.Grouper)

	// PrepareGroupStart validates and reserves a start so that
	// FireGroupStart cannot fail for configuration reasons.
	PrepareGroupStart(p channel.StartParams) error
	CancelGroupStart()
	FireGroupStart(anchor uint64, p channel.StartParams) error

	GroupStop(p channel.StopParams) (timebase.Time, error)
	GroupPause() error
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		if met != nil {
			m.metrics = met
		}
	}
}

type group struct {
	key     string
	dir     channel.Direction
	members []Member

	// op serializes fan-out operations on the group.
	op sync.Mutex
}

// Manager owns group membership. It is safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	groups map[string]*group
	byID   map[string]*group
	known  map[string]bool // channels that have ever joined
}

var _ channel.Grouper = (*Manager)(nil)

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:    slog.Default(),
		groups: make(map[string]*group),
		byID:   make(map[string]*group),
		known:  make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Join assigns mem to the group named key, leaving any previous group. An
// empty key only leaves. Membership lasts until changed.
func (m *Manager) Join(mem Member, key string) error {
	id := mem.ChannelID()
	if mem.State().Streaming() {
		return fmt.Errorf("syncgroup: join %q while %s: %w", id, mem.State(), channel.ErrAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byID[id]; ok {
		if cur.key == key {
			return nil
		}
	}
	if key == "" {
		m.leaveLocked(id)
		return nil
	}
	g := m.groups[key]
	if g != nil && g.dir != mem.Direction() {
		return fmt.Errorf("syncgroup: join %q to %s group %q: %w", id, g.dir, key, channel.ErrInvalidArgument)
	}

	m.leaveLocked(id)
	if g == nil {
		g = &group{key: key, dir: mem.Direction()}
		m.groups[key] = g
	}
	g.members = append(g.members, mem)
	m.byID[id] = g
	m.known[id] = true
	mem.SetGroup(m)
	m.log.Info("channel joined sync group", "channel", id, "group", key)
	return nil
}

// Leave removes the channel from its group.
func (m *Manager) Leave(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[channelID]; !ok {
		return fmt.Errorf("syncgroup: leave %q: %w", channelID, channel.ErrNotGrouped)
	}
	m.leaveLocked(channelID)
	return nil
}

func (m *Manager) leaveLocked(id string) {
	g, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	i := slices.IndexFunc(g.members, func(mem Member) bool { return mem.ChannelID() == id })
	if i >= 0 {
		g.members[i].SetGroup(nil)
		g.members = slices.Delete(g.members, i, i+1)
	}
	if len(g.members) == 0 {
		delete(m.groups, g.key)
	}
	m.log.Info("channel left sync group", "channel", id, "group", g.key)
}

// Reset dissolves the group named key.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return
	}
	for _, mem := range slices.Clone(g.members) {
		m.leaveLocked(mem.ChannelID())
	}
}

// Members returns the channel IDs of the group in join order.
func (m *Manager) Members(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return nil
	}
	ids := make([]string, len(g.members))
	for i, mem := range g.members {
		ids[i] = mem.ChannelID()
	}
	return ids
}

// GroupOf returns the group of a channel.
func (m *Manager) GroupOf(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.byID[channelID]
	if !ok {
		return "", false
	}
	return g.key, true
}

// Groups returns every group key, sorted.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.groups))
	for k := range m.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup returns the group of channelID with a snapshot of its members.
func (m *Manager) lookup(channelID string) (*group, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.byID[channelID]
	if !ok {
		return nil, nil, fmt.Errorf("syncgroup: %q: %w", channelID, channel.ErrNotGrouped)
	}
	return g, slices.Clone(g.members), nil
}

func (m *Manager) begin(ctx context.Context, op string, g *group, channelID string) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, "syncgroup."+op, trace.WithAttributes(
		attribute.String("group", g.key),
		attribute.String("channel", channelID),
	))
}

func (m *Manager) finish(ctx context.Context, span trace.Span, g *group, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("sync group operation failed", "group", g.key, "op", op, "err", err)
	}
	m.metrics.RecordGroupOperation(ctx, g.key, op, status)
	span.End()
}

// GroupStart starts every member of channelID's group. It implements
// [channel.Grouper].
func (m *Manager) GroupStart(ctx context.Context, channelID string, p channel.StartParams) (err error) {
	g, members, err := m.lookup(channelID)
	if err != nil {
		return err
	}
	ctx, span := m.begin(ctx, "start", g, channelID)
	defer func() { m.finish(ctx, span, g, "start", err) }()

	g.op.Lock()
	defer g.op.Unlock()

	if err := m.prepare(ctx, members, p); err != nil {
		return err
	}

	// One anchor per device clock, all read before anything fires.
	anchors := make(map[timebase.Clock]uint64)
	for _, mem := range members {
		c := mem.Clock()
		if _, ok := anchors[c]; !ok {
			anchors[c] = c.Ticks()
		}
	}

	for i, mem := range members {
		if err := mem.FireGroupStart(anchors[mem.Clock()], p); err != nil {
			m.rollback(members[:i], members[i+1:])
			return fmt.Errorf("syncgroup: start %q in %q: %w", mem.ChannelID(), g.key, err)
		}
	}
	observe.Logger(ctx).Info("sync group started", "group", g.key, "members", len(members))
	return nil
}

// prepare reserves a start on every member concurrently. On failure every
// member that prepared is cancelled and the failures are joined.
func (m *Manager) prepare(ctx context.Context, members []Member, p channel.StartParams) error {
	var (
		mu       sync.Mutex
		prepared []Member
		errs     []error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, mem := range members {
		eg.Go(func() error {
			err := egCtx.Err()
			switch {
			case err != nil:
			case !mem.ReferenceLocked():
				err = fmt.Errorf("syncgroup: %q: %w", mem.ChannelID(), channel.ErrNotLocked)
			default:
				if err = mem.PrepareGroupStart(p); err == nil {
					mu.Lock()
					prepared = append(prepared, mem)
					mu.Unlock()
					return nil
				}
				err = fmt.Errorf("syncgroup: prepare %q: %w", mem.ChannelID(), err)
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return err
		})
	}
	if eg.Wait() == nil {
		return nil
	}
	for _, mem := range prepared {
		mem.CancelGroupStart()
	}
	return errors.Join(errs...)
}

// rollback stops members that already fired and cancels the rest.
func (m *Manager) rollback(fired, pending []Member) {
	for _, mem := range fired {
		if _, err := mem.GroupStop(channel.StopParams{}); err != nil {
			m.log.Warn("rollback stop failed", "channel", mem.ChannelID(), "err", err)
		}
	}
	for _, mem := range pending {
		mem.CancelGroupStart()
	}
}

// GroupStop stops every member of channelID's group and returns the stop
// time reported by channelID. It implements [channel.Grouper].
func (m *Manager) GroupStop(ctx context.Context, channelID string, p channel.StopParams) (actual timebase.Time, err error) {
	g, members, err := m.lookup(channelID)
	if err != nil {
		return timebase.Time{}, err
	}
	ctx, span := m.begin(ctx, "stop", g, channelID)
	defer func() { m.finish(ctx, span, g, "stop", err) }()

	g.op.Lock()
	defer g.op.Unlock()

	if !slices.ContainsFunc(members, func(mem Member) bool { return mem.State().Streaming() }) {
		return timebase.Time{}, fmt.Errorf("syncgroup: stop %q: %w", g.key, channel.ErrAlreadyStopped)
	}

	var errs []error
	for _, mem := range members {
		t, err := mem.GroupStop(p)
		switch {
		case err == nil:
		case errors.Is(err, channel.ErrAlreadyStopped), errors.Is(err, channel.ErrNotRunning):
			// Stopped on its own, for example after a device failure.
			continue
		default:
			errs = append(errs, fmt.Errorf("syncgroup: stop %q: %w", mem.ChannelID(), err))
			continue
		}
		if mem.ChannelID() == channelID {
			actual = t
		}
	}
	return actual, errors.Join(errs...)
}

// GroupPause toggles pause on every member of channelID's group. All members
// must be running, or all paused. It implements [channel.Grouper].
func (m *Manager) GroupPause(ctx context.Context, channelID string) (err error) {
	g, members, err := m.lookup(channelID)
	if err != nil {
		return err
	}
	ctx, span := m.begin(ctx, "pause", g, channelID)
	defer func() { m.finish(ctx, span, g, "pause", err) }()

	g.op.Lock()
	defer g.op.Unlock()

	if g.dir == channel.Playback {
		return fmt.Errorf("syncgroup: pause %q: %w", g.key, channel.ErrUnsupported)
	}
	want := members[0].State()
	for _, mem := range members {
		if s := mem.State(); s != want || (s != channel.Running && s != channel.Paused) {
			return fmt.Errorf("syncgroup: pause %q: member %q is %s: %w", g.key, mem.ChannelID(), s, channel.ErrNotRunning)
		}
	}
	var errs []error
	for _, mem := range members {
		if err := mem.GroupPause(); err != nil {
			errs = append(errs, fmt.Errorf("syncgroup: pause %q: %w", mem.ChannelID(), err))
		}
	}
	return errors.Join(errs...)
}

// Apply loads membership from the registry: each channel/<name>/sync_group
// value names the group of channel name. lookup resolves channel names;
// unknown channels are skipped with a warning.
func (m *Manager) Apply(ctx context.Context, store registry.Store, lookup func(name string) (Member, bool)) error {
	settings, err := registry.ChannelSettings(ctx, store, registry.SettingGroup)
	if err != nil {
		return fmt.Errorf("syncgroup: apply: %w", err)
	}
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		mem, ok := lookup(name)
		if !ok {
			m.log.Warn("registry names unknown channel", "channel", name)
			continue
		}
		if err := m.Join(mem, settings[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Persist writes current membership to the registry and removes the group
// key of every channel that has left its group.
func (m *Manager) Persist(ctx context.Context, store registry.Store) error {
	m.mu.Lock()
	set := make(map[string]string, len(m.byID))
	var gone []string
	for id := range m.known {
		if g, ok := m.byID[id]; ok {
			set[id] = g.key
		} else {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for id, key := range set {
		if err := store.Set(ctx, registry.SyncGroupKey(id), key); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range gone {
		if err := store.Delete(ctx, registry.SyncGroupKey(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("syncgroup: persist: %w", err)
	}
	return nil
}
