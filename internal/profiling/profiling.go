// Package profiling optionally ships continuous CPU/heap profiles of the
// reactor process to a Pyroscope server. Off by default — the reactor's
// single-threaded hot path is latency sensitive, so profiling only starts
// when a server address is explicitly configured.
package profiling

import (
	"github.com/grafana/pyroscope-go"
)

// Start begins shipping profiles to serverAddr under appName. The returned
// profiler must be stopped with Stop at shutdown. Returns nil, nil if
// serverAddr is empty.
func Start(appName, serverAddr string) (*pyroscope.Profiler, error) {
	if serverAddr == "" {
		return nil, nil
	}
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddr,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// Stop tears the profiler down, tolerating a nil profiler (profiling was
// never started).
func Stop(p *pyroscope.Profiler) error {
	if p == nil {
		return nil
	}
	return p.Stop()
}
