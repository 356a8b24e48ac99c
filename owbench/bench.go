package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/companyzero/opusworker/codec"
	"github.com/companyzero/opusworker/internal/logutil"
	"github.com/companyzero/opusworker/internal/ogg"
	"github.com/companyzero/opusworker/worker"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// bench drives a set of concurrent decode workers over the same packet
// stream and aggregates their statistics.
type bench struct {
	cfg     *settings
	log     slog.Logger
	logBknd *logBackend
	stats   *stats

	// packets is the source stream, fully loaded upfront so the bench
	// loop does no file IO.
	packets [][]byte

	workers *xsync.MapOf[int, *benchWorker]
}

// benchWorker is one running decode worker.
type benchWorker struct {
	id  int
	wkr *worker.Worker
}

func newBench(cfg *settings, logBknd *logBackend) (*bench, error) {
	packets, err := loadPackets(cfg.InputFile)
	if err != nil {
		return nil, err
	}

	return &bench{
		cfg:     cfg,
		log:     logBknd.logger("BNCH"),
		logBknd: logBknd,
		stats:   newStats(),
		packets: packets,
		workers: xsync.NewMapOf[int, *benchWorker](),
	}, nil
}

// loadPackets reads every opus packet of the ogg file into memory.
func loadPackets(filename string) ([][]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ogg.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", filename, err)
	}
	info := r.Info()
	if info.SampleRate != codec.SampleRate || info.Channels != codec.Channels {
		return nil, fmt.Errorf("stream is %d channel(s) at %d Hz, worker "+
			"decodes %d at %d Hz", info.Channels, info.SampleRate,
			codec.Channels, codec.SampleRate)
	}

	var packets [][]byte
	for {
		p, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%s has no audio packets", filename)
	}
	return packets, nil
}

// run starts the workers and the stats report loop and blocks until the
// context is canceled or a worker fails.
func (b *bench) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return b.runWorker(gctx, id) })
	}
	g.Go(func() error { return b.runReportStatsLoop(gctx, b.cfg.ReportInterval) })
	return g.Wait()
}

// runWorker runs one decode worker and its feed and drain loops until the
// context is canceled.
func (b *bench) runWorker(ctx context.Context, id int) error {
	log := logutil.PrefixLogger(b.logBknd.logger("WRKR"), fmt.Sprintf("%03d", id))
	wkr := worker.New(worker.Config{
		Engine: b.cfg.Engine,
		Log:    log,
	})
	bw := &benchWorker{id: id, wkr: wkr}
	b.workers.Store(id, bw)
	b.stats.workers.Inc()
	defer func() {
		b.workers.Delete(id)
		b.stats.workers.Dec()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wkr.Run(gctx) })
	g.Go(func() error { return b.feedWorker(gctx, id, wkr) })
	g.Go(func() error { return b.drainWorker(gctx, wkr) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// feedWorker sends the init, configure and the paced stream of decode
// commands of one worker. Workers start at different offsets of the packet
// stream so they do not decode in lockstep.
func (b *bench) feedWorker(ctx context.Context, id int, wkr *worker.Worker) error {
	if err := wkr.SendCommand(ctx, worker.Command{Kind: worker.CmdInit}); err != nil {
		return err
	}
	if b.cfg.Gain != 1.0 {
		cmd := worker.Command{
			Kind:   worker.CmdConfigure,
			Config: worker.ConfigUpdate{Gain: &b.cfg.Gain},
		}
		if err := wkr.SendCommand(ctx, cmd); err != nil {
			return err
		}
	}

	rnd := rand.New(rand.NewPCG(uint64(id), 0))
	next := id * 7919 % len(b.packets)

	ticker := time.NewTicker(b.cfg.Pacing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		packet := b.packets[next]
		next = (next + 1) % len(b.packets)
		if b.cfg.LossRate > 0 && rnd.Float64() < b.cfg.LossRate {
			packet = nil
		}
		cmd := worker.Command{Kind: worker.CmdDecode, Packet: packet}
		if err := wkr.SendCommand(ctx, cmd); err != nil {
			return err
		}
	}
}

// drainWorker consumes the events of one worker into the bench stats. A
// decoder level failure stops the bench; per-packet failures only count.
func (b *bench) drainWorker(ctx context.Context, wkr *worker.Worker) error {
	for {
		var ev worker.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev = <-wkr.Events():
		}

		switch ev.Kind {
		case worker.EventDecoderReady:
		case worker.EventDecoderError:
			return fmt.Errorf("decoder failed: %w", ev.Err)
		case worker.EventDecodeError:
			b.stats.countError()
		case worker.EventDecodedAudio:
			if ev.Audio.IsPacketLoss {
				b.stats.countConcealed()
			} else {
				b.stats.countDecoded(ev.Audio.SamplesDecoded,
					ev.Audio.DecodeTime)
			}
		}
	}
}

// handler returns the admin interface of the bench.
func (b *bench) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/index", b.handleIndex)
	mux.HandleFunc("/workers", b.handleWorkers)
	promHandler := promhttp.InstrumentMetricHandler(
		b.stats.reg, promhttp.HandlerFor(b.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	return mux
}

func (b *bench) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("opusworker bench - admin interface\n"))
}

func (b *bench) handleWorkers(w http.ResponseWriter, r *http.Request) {
	b.workers.Range(func(id int, bw *benchWorker) bool {
		s := bw.wkr.Stats()
		fmt.Fprintf(w, "worker %03d: decoded %d concealed %d errors %d "+
			"samples %d engine time %s\n", id, s.PacketsDecoded,
			s.PacketsConcealed, s.DecodeErrors, s.SamplesDecoded,
			s.DecodeTime)
		return true
	})
}
