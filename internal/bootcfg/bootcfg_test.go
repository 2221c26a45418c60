package bootcfg_test

import (
	"testing"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/lattice-os/corekernel/internal/bootcfg"
	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroFieldsOnly(t *testing.T) {
	c := bootcfg.Config{
		MaxTasks: 10,
		DiskPath: "/custom/users.db",
	}
	c.ApplyDefaults()

	assert.Equal(t, 10, c.MaxTasks, "explicitly set field must survive")
	assert.Equal(t, "/custom/users.db", c.DiskPath)

	defaults := bootcfg.DefaultConfig()
	assert.Equal(t, defaults.PhysicalMemory, c.PhysicalMemory)
	assert.Equal(t, defaults.TickInterval, c.TickInterval)
	assert.Equal(t, defaults.MaxSockets, c.MaxSockets)
	assert.Equal(t, defaults.ARPCacheSize, c.ARPCacheSize)
	assert.Equal(t, defaults.ARPEntryTTL, c.ARPEntryTTL)
	assert.Equal(t, defaults.ARPResolveTimeout, c.ARPResolveTimeout)
	assert.Equal(t, defaults.DNSServer, c.DNSServer)
}

func TestDefaultConfigPhysicalMemoryParsesAsExpectedSize(t *testing.T) {
	defaults := bootcfg.DefaultConfig()
	assert.Equal(t, 128*bytesize.MB, defaults.PhysicalMemory)
}

func TestApplyDefaultsIsIdempotent(t *testing.T) {
	c := bootcfg.Config{}
	c.ApplyDefaults()
	once := c
	c.ApplyDefaults()
	assert.Equal(t, once, c)
}

func TestZeroTickIntervalGetsDefaulted(t *testing.T) {
	c := bootcfg.Config{TickInterval: 0}
	c.ApplyDefaults()
	assert.Equal(t, 10*time.Millisecond, c.TickInterval)
}
