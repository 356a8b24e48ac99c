// Decode an .ogg file of opus packets into a .wav file.
//
// The file is decoded through the full command protocol of the decode
// worker, so this doubles as a manual end-to-end check of the worker against
// real bitstreams. Packet loss may be simulated to listen to the concealment
// behavior.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"runtime/pprof"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/companyzero/opusworker/codec"
	"github.com/companyzero/opusworker/internal/ogg"
	"github.com/companyzero/opusworker/internal/version"
	"github.com/companyzero/opusworker/worker"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

// feedPackets drives the worker through one full session: init, the decode
// of every packet of the ogg stream (some possibly replaced by losses) and a
// final destroy.
func feedPackets(ctx context.Context, w *worker.Worker, r *ogg.Reader,
	gain float64, lossRate float64, seed uint64, log slog.Logger) error {

	if err := w.SendCommand(ctx, worker.Command{Kind: worker.CmdInit}); err != nil {
		return err
	}
	if gain != 1.0 {
		cmd := worker.Command{
			Kind:   worker.CmdConfigure,
			Config: worker.ConfigUpdate{Gain: &gain},
		}
		if err := w.SendCommand(ctx, cmd); err != nil {
			return err
		}
	}

	rnd := rand.New(rand.NewPCG(seed, 0))
	var sent, lost int
	for {
		packet, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("unable to read packet: %w", err)
		}
		if lossRate > 0 && rnd.Float64() < lossRate {
			packet = nil
			lost++
		}
		cmd := worker.Command{Kind: worker.CmdDecode, Packet: packet}
		if err := w.SendCommand(ctx, cmd); err != nil {
			return err
		}
		sent++
	}
	log.Infof("Sent %d packets (%d as losses)", sent, lost)

	return w.SendCommand(ctx, worker.Command{Kind: worker.CmdDestroy})
}

// writeWav consumes worker events until the destroy ack and writes the
// decoded samples as 16-bit mono wav.
func writeWav(ctx context.Context, w *worker.Worker, enc *wav.Encoder,
	log slog.Logger) error {

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  codec.SampleRate,
			NumChannels: codec.Channels,
		},
		SourceBitDepth: 16,
	}
	for {
		var ev worker.Event
		select {
		case ev = <-w.Events():
		case <-ctx.Done():
			return ctx.Err()
		}

		switch ev.Kind {
		case worker.EventDecoderReady:
			log.Debugf("Decoder ready")
		case worker.EventDecoderError:
			return fmt.Errorf("decoder failed: %w", ev.Err)
		case worker.EventDecodeError:
			// Per-packet failure; the stream keeps going.
			log.Warnf("Dropped undecodable packet: %v", ev.Err)
		case worker.EventDecodedAudio:
			buf.Data = buf.Data[:0]
			for _, s := range ev.Audio.Samples {
				buf.Data = append(buf.Data, int(f32ToS16(s)))
			}
			if err := enc.Write(buf); err != nil {
				return fmt.Errorf("unable to write wav data: %w", err)
			}
		case worker.EventDestroyed:
			return nil
		}
	}
}

// f32ToS16 converts one float sample to 16-bit, clamping out of range
// values.
func f32ToS16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

func realMain() error {
	flagIn := flag.String("in", "", "Input .ogg file of opus packets")
	flagOut := flag.String("out", "out.wav", "Output .wav file")
	flagEngine := flag.String("engine", "", "Decoding engine to use (default: best available)")
	flagGain := flag.Float64("gain", 1.0, "Decoder output gain multiplier")
	flagLossRate := flag.Float64("lossrate", 0, "Fraction of packets to replace with simulated losses")
	flagSeed := flag.Uint64("seed", 1, "Seed for the simulated losses")
	flagCPUProfile := flag.String("cpuprofile", "", "Generate CPU profile")
	flagMemProfile := flag.String("memprofile", "", "Generate Mem profile")
	flagDebugLevel := flag.String("debuglevel", "info", "Log level to use")
	flagVersion := flag.Bool("version", false, "Print version and quit")
	flag.Parse()

	if *flagVersion {
		fmt.Println("owdec", version.String())
		return nil
	}
	if *flagIn == "" {
		return fmt.Errorf("no input file specified (use -in)")
	}
	if *flagLossRate < 0 || *flagLossRate > 1 {
		return fmt.Errorf("lossrate must be in [0,1]")
	}

	logLevel := slog.LevelInfo
	switch *flagDebugLevel {
	case "info":
	case "debug":
		logLevel = slog.LevelDebug
	case "trace":
		logLevel = slog.LevelTrace
	default:
		return fmt.Errorf("unknown log level %q", *flagDebugLevel)
	}

	logBknd := slog.NewBackend(os.Stdout)
	log := logBknd.Logger("MAIN")
	log.SetLevel(logLevel)

	// Start CPU profiling.
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return err
		}

		pprof.StartCPUProfile(f)
		defer f.Close()
		defer pprof.StopCPUProfile()
	}
	if *flagMemProfile != "" {
		defer func() {
			f, err := os.Create(*flagMemProfile)
			if err == nil {
				runtime.GC()
				err = pprof.WriteHeapProfile(f)
			}
			if err == nil {
				f.Close()
			}
		}()
	}

	inFile, err := os.Open(*flagIn)
	if err != nil {
		return err
	}
	defer inFile.Close()
	oggReader, err := ogg.NewReader(inFile)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", *flagIn, err)
	}
	info := oggReader.Info()
	if info.SampleRate != codec.SampleRate || info.Channels != codec.Channels {
		return fmt.Errorf("stream is %d channel(s) at %d Hz, worker decodes "+
			"%d at %d Hz", info.Channels, info.SampleRate,
			codec.Channels, codec.SampleRate)
	}

	outFile, err := os.Create(*flagOut)
	if err != nil {
		return err
	}
	defer outFile.Close()
	enc := wav.NewEncoder(outFile, codec.SampleRate, 16, codec.Channels, 1)

	logWorker := logBknd.Logger("WRKR")
	logWorker.SetLevel(logLevel)
	wkr := worker.New(worker.Config{
		Engine: *flagEngine,
		Log:    logWorker,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wkr.Run(gctx) })
	g.Go(func() error {
		return feedPackets(gctx, wkr, oggReader, *flagGain,
			*flagLossRate, *flagSeed, log)
	})
	err = writeWav(gctx, wkr, enc, log)
	cancel()
	gerr := g.Wait()
	if errors.Is(err, context.Canceled) {
		// The feeder failed and took the context down; its error is the
		// interesting one.
		err = nil
	}
	if err == nil && !errors.Is(gerr, context.Canceled) {
		err = gerr
	}
	if err != nil {
		return err
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("unable to finish wav file: %w", err)
	}

	stats := wkr.Stats()
	log.Infof("Decoded %d packets (%d samples, %s engine time), concealed %d, "+
		"failed %d", stats.PacketsDecoded, stats.SamplesDecoded,
		stats.DecodeTime, stats.PacketsConcealed, stats.DecodeErrors)
	return nil
}

func main() {
	err := realMain()
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}
