package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds bench-wide decode statistics.
type stats struct {
	reg *prometheus.Registry

	pktsDecoded   prometheus.Counter
	pktsConcealed prometheus.Counter
	decodeErrors  prometheus.Counter
	samples       prometheus.Counter
	decodeTime    prometheus.Histogram
	workers       prometheus.Gauge

	pktsDecodedAtomic   atomic.Uint64
	pktsConcealedAtomic atomic.Uint64
	decodeErrorsAtomic  atomic.Uint64
	samplesAtomic       atomic.Uint64
}

func newStats() *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		reg: reg,

		pktsDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "owbench_packets_decoded",
			Help: "Total number of packets decoded",
		}),
		pktsConcealed: f.NewCounter(prometheus.CounterOpts{
			Name: "owbench_packets_concealed",
			Help: "Total number of lost packets concealed as silence",
		}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "owbench_decode_errors",
			Help: "Total number of packets the engine rejected",
		}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Name: "owbench_samples_decoded",
			Help: "Total number of PCM samples produced",
		}),
		decodeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name: "owbench_decode_time_microseconds",
			Help: "Histogram of per-packet engine decode time",
			Buckets: []float64{
				1, 5, 50, 100, 250, 500, 750, 1_000, 2_500, 5_000, 10_000, 20_000,
			},
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "owbench_workers",
			Help: "Number of running decode workers",
		}),
	}
}

// countDecoded records one decoded packet.
func (s *stats) countDecoded(nbSamples int, decodeTime time.Duration) {
	s.pktsDecoded.Inc()
	s.samples.Add(float64(nbSamples))
	s.decodeTime.Observe(float64(decodeTime.Microseconds()))
	s.pktsDecodedAtomic.Add(1)
	s.samplesAtomic.Add(uint64(nbSamples))
}

// countConcealed records one concealed packet.
func (s *stats) countConcealed() {
	s.pktsConcealed.Inc()
	s.pktsConcealedAtomic.Add(1)
}

// countError records one rejected packet.
func (s *stats) countError() {
	s.decodeErrors.Inc()
	s.decodeErrorsAtomic.Add(1)
}

// runReportStatsLoop runs a loop to report basic stats.
func (b *bench) runReportStatsLoop(ctx context.Context, reportInterval time.Duration) error {
	if reportInterval <= 0 {
		b.log.Infof("Logging of stats is disabled")
		return nil
	}

	ticker := time.NewTicker(reportInterval)
	var tickTime, lastTick time.Time
	tickTime = time.Now()

	b.log.Infof("Running report stats loop with interval %s", reportInterval)

	var decoded, concealed, errored, samples uint64
	for {
		lastTick = tickTime

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime = <-ticker.C:
		}

		decoded = b.stats.pktsDecodedAtomic.Swap(0)
		concealed = b.stats.pktsConcealedAtomic.Swap(0)
		errored = b.stats.decodeErrorsAtomic.Swap(0)
		samples = b.stats.samplesAtomic.Swap(0)

		if decoded|concealed|errored == 0 {
			// Skip if there are no stats.
			continue
		}

		dt := tickTime.Sub(lastTick)
		if dt == 0 {
			continue // Should not happen.
		}

		dts := float64(dt.Milliseconds()) / 1000

		b.log.Infof("Stats for the last %s - "+
			"%8s Pkt (%7s/sec) %8s Smp (%7s/sec) ; "+
			"concealed: %s ; errors: %s",
			dt.Round(time.Millisecond),
			hcount(decoded), hrate(float64(decoded)/dts),
			hcount(samples), hrate(float64(samples)/dts),
			hcount(concealed), hcount(errored),
		)
	}
}
