package config

import "os"

// Env holds the environment knobs spec.md §6.4 names. A zero-value Env reads
// nothing from the process environment, letting tests build one directly
// instead of mutating os.Environ.
type Env struct {
	// UseODP mirrors USE_ODP, the on-demand paging hint passed through to
	// whatever RDMA transport sits above the pool. pmemkv does not act on
	// it beyond recording and returning it from PoolAttribute.
	UseODP bool

	// DisableMRCacheMonitor mirrors FI_MR_CACHE_MONITOR: when true, the
	// corresponding memory-region cache monitor thread (not something
	// pmemkv itself runs, but a peer on the same host) is forcibly
	// disabled. Recorded for the same pass-through reason as UseODP.
	DisableMRCacheMonitor bool

	// LeakCheck mirrors LEAK_CHECK. When true, close_pool walks an
	// RC-flavor pool's tracked-allocation list and logs a Severe warning
	// for any allocation unreachable from the KV store or an armed
	// intent record. Diagnostic only - nothing is ever freed on its
	// behalf.
	LeakCheck bool
}

// FromEnviron reads Env from the process environment.
func FromEnviron() Env {
	return Env{
		UseODP:                envBool("USE_ODP"),
		DisableMRCacheMonitor: envBool("FI_MR_CACHE_MONITOR"),
		LeakCheck:             envBool("LEAK_CHECK"),
	}
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	switch v {
	case "", "0", "false", "FALSE", "False":
		return false
	default:
		return true
	}
}
