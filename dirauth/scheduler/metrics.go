// Contains the metrics collected by the download scheduler.
package scheduler

import "github.com/tos-network/dircache/metrics"

var (
	consensusFetchMeter = metrics.NewRegisteredMeter("dircache/scheduler/consensus/fetch", nil)
	consensusSkipMeter  = metrics.NewRegisteredMeter("dircache/scheduler/consensus/skip", nil)
	microdescFetchMeter = metrics.NewRegisteredMeter("dircache/scheduler/microdesc/fetch", nil)
	certFetchMeter      = metrics.NewRegisteredMeter("dircache/scheduler/cert/fetch", nil)
	waitingStaleCounter = metrics.NewRegisteredCounter("dircache/scheduler/waiting/stale", nil)
)
