package store

import (
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// DefaultReadAheadChunkSize is the number of keys a view downloads around a
// missing item, and the default refresher batch size.
const DefaultReadAheadChunkSize = 100

// Config holds configuration shared by every record store of a table.
type Config struct {
	// Sections are requested when downloading items.
	Sections item.Sections

	// ReadAheadChunkSize is the initial chunk size of new views.
	ReadAheadChunkSize int

	// ItemCacheSize bounds the LRU of item bytes shared by all records.
	// Zero disables the cache.
	ItemCacheSize int

	// MaxIdleTypes is how many released SynchronizedTypes a TypeManager keeps
	// loaded per record.
	MaxIdleTypes int

	// MaxAttemptsPerChange caps commit retries. Zero means unlimited.
	MaxAttemptsPerChange int

	// ImmediateCommit starts a background commit after every edit.
	ImmediateCommit bool

	// Connectivity decides whether transport failures halt a drain.
	Connectivity remote.Connectivity

	// Metrics receives commit metrics. Nil disables them.
	Metrics *changes.Metrics

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sections:           item.SectionStandard,
		ReadAheadChunkSize: DefaultReadAheadChunkSize,
		ItemCacheSize:      1000,
		MaxIdleTypes:       16,
		ImmediateCommit:    true,
		Clock:              clock.System(),
		Logger:             zap.NewNop(),
	}
}

// withDefaults fills zero fields so components never see a nil logger or
// clock.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cp := *c
	if cp.Sections == 0 {
		cp.Sections = item.SectionStandard
	}
	if cp.ReadAheadChunkSize <= 0 {
		cp.ReadAheadChunkSize = DefaultReadAheadChunkSize
	}
	if cp.MaxIdleTypes < 0 {
		cp.MaxIdleTypes = 0
	}
	cp.Clock = clock.OrSystem(cp.Clock)
	if cp.Logger == nil {
		cp.Logger = zap.NewNop()
	}
	return &cp
}

func (c *Config) managerConfig(recordID string) *changes.Config {
	mc := changes.DefaultConfig()
	mc.Record = recordID
	mc.MaxAttemptsPerChange = c.MaxAttemptsPerChange
	mc.Sections = c.Sections
	mc.Connectivity = c.Connectivity
	mc.Metrics = c.Metrics
	mc.Logger = c.Logger
	return mc
}

// isStale reports whether lastUpdated is unset or older than maxAge at now.
func isStale(now, lastUpdated time.Time, maxAge time.Duration) bool {
	if lastUpdated.IsZero() {
		return true
	}
	return now.Sub(lastUpdated) > maxAge
}
