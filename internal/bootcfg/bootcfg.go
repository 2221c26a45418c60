// Package bootcfg is the kernel's boot-time configuration: the defaults
// applied when a bootloader command line or build tag leaves a field
// unset, grounded on the teacher's CollectionConfig/ApplyDefaults shape.
package bootcfg

import (
	"time"

	"github.com/inhies/go-bytesize"
)

// Config holds every boot-time tunable the orchestrator consults while
// bringing subsystems up.
type Config struct {
	// PhysicalMemory sizes the PMM when the boot dependencies report no
	// frame count of their own; a non-zero reported count takes precedence.
	// cmd/kernel also sizes the simulated machine from it.
	PhysicalMemory bytesize.ByteSize

	TickInterval time.Duration

	MaxTasks        int
	MaxSockets      int
	ARPCacheSize    int
	ARPEntryTTL     time.Duration
	ARPResolveTimeout time.Duration

	DiskPath   string
	DNSServer  string

	RootUserID uint32
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		PhysicalMemory:    128 * bytesize.MB,
		TickInterval:      10 * time.Millisecond,
		MaxTasks:          256,
		MaxSockets:        64,
		ARPCacheSize:      32,
		ARPEntryTTL:       2 * time.Minute,
		ARPResolveTimeout: 3 * time.Second,
		DiskPath:          "/sys/config/users.db",
		DNSServer:         "8.8.8.8:53",
		RootUserID:        0,
	}
}

// ApplyDefaults fills in zero-valued fields of c from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.PhysicalMemory == 0 {
		c.PhysicalMemory = defaults.PhysicalMemory
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = defaults.MaxTasks
	}
	if c.MaxSockets == 0 {
		c.MaxSockets = defaults.MaxSockets
	}
	if c.ARPCacheSize == 0 {
		c.ARPCacheSize = defaults.ARPCacheSize
	}
	if c.ARPEntryTTL == 0 {
		c.ARPEntryTTL = defaults.ARPEntryTTL
	}
	if c.ARPResolveTimeout == 0 {
		c.ARPResolveTimeout = defaults.ARPResolveTimeout
	}
	if c.DiskPath == "" {
		c.DiskPath = defaults.DiskPath
	}
	if c.DNSServer == "" {
		c.DNSServer = defaults.DNSServer
	}
}
