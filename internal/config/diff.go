package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Log level, video buffer depth, sync groups and workloads are applied live;
// everything listed in RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VideoBufferChanged   bool
	NewVideoBufferFrames int

	ChannelsChanged bool          // true if any channel's group or workload changed
	ChannelChanges  []ChannelDiff // per-channel diffs, sorted by name

	// RestartRequired names the sections whose changes are not applied live.
	RestartRequired []string
}

// ChannelDiff describes what changed for a single channel between two configs.
type ChannelDiff struct {
	Name             string
	SyncGroupChanged bool
	WorkloadChanged  bool
	Added            bool
	Removed          bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Registry != new.Registry {
		d.RestartRequired = append(d.RestartRequired, "registry")
	}
	if old.Scheduler.VideoBufferFrames != new.Scheduler.VideoBufferFrames {
		d.VideoBufferChanged = true
		d.NewVideoBufferFrames = new.Scheduler.VideoBufferFrames
	}
	was, now := old.Scheduler, new.Scheduler
	was.VideoBufferFrames, now.VideoBufferFrames = 0, 0
	if was != now {
		d.RestartRequired = append(d.RestartRequired, "scheduler")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !slices.Equal(old.Devices, new.Devices) {
		d.RestartRequired = append(d.RestartRequired, "devices")
	}

	// Build channel lookup maps keyed by name.
	oldChannels := make(map[string]*ChannelConfig, len(old.Channels))
	for i := range old.Channels {
		oldChannels[old.Channels[i].Name] = &old.Channels[i]
	}
	newChannels := make(map[string]*ChannelConfig, len(new.Channels))
	for i := range new.Channels {
		newChannels[new.Channels[i].Name] = &new.Channels[i]
	}

	structural := false
	for name, oc := range oldChannels {
		nc, exists := newChannels[name]
		if !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Removed: true})
			structural = true
			continue
		}
		cd := diffChannel(name, oc, nc)
		if cd.SyncGroupChanged || cd.WorkloadChanged {
			d.ChannelChanges = append(d.ChannelChanges, cd)
		}
		if !sameStream(oc, nc) {
			structural = true
		}
	}
	for name := range newChannels {
		if _, exists := oldChannels[name]; !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Added: true})
			structural = true
		}
	}
	if structural {
		d.RestartRequired = append(d.RestartRequired, "channels")
	}

	slices.SortFunc(d.ChannelChanges, func(a, b ChannelDiff) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	d.ChannelsChanged = len(d.ChannelChanges) > 0
	return d
}

// diffChannel compares the live-reloadable fields of two channels with the
// same name.
func diffChannel(name string, old, new *ChannelConfig) ChannelDiff {
	cd := ChannelDiff{Name: name}

	if old.SyncGroup != new.SyncGroup {
		cd.SyncGroupChanged = true
	}

	if old.Workload != new.Workload || old.LoopbackDelayFrames != new.LoopbackDelayFrames {
		cd.WorkloadChanged = true
	}

	return cd
}

// sameStream reports whether two channels open the hardware identically.
func sameStream(a, b *ChannelConfig) bool {
	x, y := *a, *b
	x.SyncGroup, y.SyncGroup = "", ""
	x.Workload, y.Workload = "", ""
	x.LoopbackDelayFrames, y.LoopbackDelayFrames = 0, 0
	x.Audio, y.Audio = nil, nil
	if (a.Audio == nil) != (b.Audio == nil) || (a.Audio != nil && *a.Audio != *b.Audio) {
		return false
	}
	return x == y
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
