// Package stub provides neutral-value implementations of the
// richer-SCSI-host entry points a backend plugin might reference (unmap
// granularity, xcopy length, lock-lost notification, cfgfs attribute
// getters) even though this gateway never calls handle_cmd() and so never
// needs their real behavior.
//
// Each stub logs a one-shot stack trace on its first and second
// invocation, then goes silent, so a backend can load and run without
// misleading anyone about what these calls actually do here.
package stub

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

type counter struct{ n int32 }

func (c *counter) warn(name string) {
	n := atomic.AddInt32(&c.n, 1)
	if n <= 2 {
		log.Warn().Str("stub", name).Str("stack", string(debug.Stack())).
			Msg("unexpected call to stub entry point")
	}
}

var (
	unmapGranCounter    counter
	unmapEnabledCounter counter
	xcopyLenCounter     counter
	lockLostCounter     counter
	cfgfsU64Counter     counter
	cfgfsWWNCounter     counter
)

// UnmapOptGranularity stubs tcmu_dev_get_opt_unmap_gran.
func UnmapOptGranularity() uint32 {
	unmapGranCounter.warn("UnmapOptGranularity")
	return 0
}

// UnmapEnabled stubs tcmu_dev_get_unmap_enabled.
func UnmapEnabled() bool {
	unmapEnabledCounter.warn("UnmapEnabled")
	return false
}

// SetOptXcopyRWLen stubs tcmu_dev_set_opt_xcopy_rw_len.
func SetOptXcopyRWLen(uint32) {
	xcopyLenCounter.warn("SetOptXcopyRWLen")
}

// NotifyLockLost stubs tcmu_notify_lock_lost.
func NotifyLockLost() {
	lockLostCounter.warn("NotifyLockLost")
}

// CfgfsInfoU64 stubs tcmu_cfgfs_dev_get_info_u64.
func CfgfsInfoU64(name string) (uint64, error) {
	cfgfsU64Counter.warn("CfgfsInfoU64:" + name)
	return 0, nil
}

// CfgfsWWN stubs tcmu_cfgfs_dev_get_wwn.
func CfgfsWWN() string {
	cfgfsWWNCounter.warn("CfgfsWWN")
	return ""
}
