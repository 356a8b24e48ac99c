package worker

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the cumulative decode statistics of one worker.
type Stats struct {
	PacketsDecoded   uint64
	SamplesDecoded   uint64
	DecodeErrors     uint64
	PacketsConcealed uint64

	// DecodeTime is the total time spent inside engine decode calls.
	DecodeTime time.Duration
}

// stats tracks the worker counters with atomics so snapshots may be taken
// concurrently with the run loop.
type stats struct {
	packetsDecoded   atomic.Uint64
	samplesDecoded   atomic.Uint64
	decodeErrors     atomic.Uint64
	packetsConcealed atomic.Uint64
	decodeTime       atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		PacketsDecoded:   s.packetsDecoded.Load(),
		SamplesDecoded:   s.samplesDecoded.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		PacketsConcealed: s.packetsConcealed.Load(),
		DecodeTime:       time.Duration(s.decodeTime.Load()),
	}
}
