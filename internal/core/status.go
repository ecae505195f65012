package core

import (
	"time"

	"compiled/pkg/types"
)

// Devices describes every registered device in name order.
func (c *Core) Devices() []types.Device {
	live := c.reg.Instances()
	names := c.reg.List()
	out := make([]types.Device, 0, len(names))
	for _, name := range names {
		d, err := c.reg.Lookup(name)
		if err != nil {
			continue
		}
		dev := types.Device{
			Name:       name,
			Location:   d.Location,
			Kind:       d.Factory.Kind.String(),
			Options:    d.Options,
			Extensions: d.Extensions,
			CacheDir:   c.deviceCacheDir(name),
		}
		if inst, ok := live[name]; ok {
			dev.Loaded = true
			dev.Refs = inst.Refs()
		}
		out = append(out, dev)
	}
	return out
}

// Ready reports whether at least one device is registered.
func (c *Core) Ready() bool {
	return len(c.reg.List()) > 0
}

// Status builds the response for /status.
func (c *Core) Status() types.StatusResponse {
	c.cacheMu.Lock()
	dir := c.cacheDir
	c.cacheMu.Unlock()
	now := time.Now()
	return types.StatusResponse{
		Devices:       c.Devices(),
		DefaultDevice: c.reg.Default(),
		CacheDir:      dir,
		Extensions:    c.reg.Extensions(),
		KeysInFlight:  c.guard.Len(),
		CompilesTotal: c.stats.compiles.Load(),
		Cache: types.CacheStats{
			Hits:          c.stats.hits.Load(),
			Misses:        c.stats.misses.Load(),
			Stale:         c.stats.stale.Load(),
			Skipped:       c.stats.skipped.Load(),
			WriteFailures: c.stats.writeFailures.Load(),
		},
		UptimeSeconds:  int64(now.Sub(c.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}
