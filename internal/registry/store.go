// Package registry is the external key/value configuration registry read by
// framesync: synchronization group membership and connector selection per
// channel.
//
// Three backends are provided: [MemStore] for tests and ephemeral daemons,
// [FileStore] (YAML, persisted by an explicit [FileStore.Save]) and
// [PostgresStore] for shared, durable configuration. framesync never writes
// the registry on its own; persistence is always an explicit call.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by [Store.Get] for an absent key.
var ErrNotFound = errors.New("registry: key not found")

// Store is a string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value of key or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Set creates or replaces key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Channel key layout: channel/<name>/<setting>.
const (
	channelPrefix  = "channel/"
	SettingGroup   = "sync_group"
	SettingConnect = "connector"
)

// ChannelKey returns the registry key of setting for the named channel.
func ChannelKey(channel, setting string) string {
	return channelPrefix + channel + "/" + setting
}

// SyncGroupKey returns the key holding the channel's sync group.
func SyncGroupKey(channel string) string { return ChannelKey(channel, SettingGroup) }

// ConnectorKey returns the key holding the channel's connector selection.
func ConnectorKey(channel string) string { return ChannelKey(channel, SettingConnect) }

// ParseChannelKey splits a key produced by [ChannelKey].
func ParseChannelKey(key string) (channel, setting string, err error) {
	rest, ok := strings.CutPrefix(key, channelPrefix)
	if !ok {
		return "", "", fmt.Errorf("registry: key %q is not a channel key", key)
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("registry: malformed channel key %q", key)
	}
	return rest[:i], rest[i+1:], nil
}

// ChannelSettings lists every channel that has setting, keyed by channel
// name. Malformed keys are skipped.
func ChannelSettings(ctx context.Context, s Store, setting string) (map[string]string, error) {
	all, err := s.List(ctx, channelPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range all {
		ch, st, err := ParseChannelKey(k)
		if err != nil || st != setting {
			continue
		}
		out[ch] = v
	}
	return out, nil
}
