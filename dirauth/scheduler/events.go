package scheduler

import "github.com/tos-network/dircache/dirauth/consensus"

// Typed tick-loop events, mirroring tos/downloader/events.go's
// DoneEvent/StartEvent/FailedEvent shape.
type ConsensusFetchedEvent struct {
	Flavor consensus.Flavor
}
type CertFetchStartedEvent struct {
	Count int
}
type TickFailedEvent struct{ Err error }
