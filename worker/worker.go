// Package worker implements an isolated audio decoding worker: a stateful
// opus decoder session driven by a serialized stream of commands, with
// per-packet error containment and packet loss concealment.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/opusworker/codec"
	"github.com/decred/slog"
)

// concealFrameSamples is the length of the silence frame synthesized in
// place of a lost packet: 10ms at 48kHz mono.
const concealFrameSamples = codec.SampleRate / 1000 * 10

// Config holds the worker parameters.
type Config struct {
	// Engine is the name of the decoding engine used by the session.
	// Empty selects the best available engine.
	Engine string

	// NewEngine overrides engine creation when set. Used by tests to
	// inject engine doubles.
	NewEngine codec.Factory

	// Log is the worker logger. Nil disables logging.
	Log slog.Logger
}

// Worker drives one decoder session from a stream of commands. Commands are
// processed strictly in the order received, one at a time; handling of a
// command (including emission of its events) completes before the next one
// is picked up, so a reset can never race an in-flight decode.
//
// Every init, reset, decode and destroy command is acknowledged with exactly
// one event; configure and unknown commands emit none.
type Worker struct {
	log  slog.Logger
	sess *Session

	cmdChan   chan Command
	eventChan chan Event
	done      chan struct{}

	stats stats
}

// New creates a worker. Run must be called for commands to be processed.
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Worker{
		log: log,
		sess: NewSession(SessionConfig{
			Engine:    cfg.Engine,
			NewEngine: cfg.NewEngine,
			Log:       log,
		}),
		cmdChan:   make(chan Command),
		eventChan: make(chan Event),
		done:      make(chan struct{}),
	}
}

// SendCommand delivers cmd to the worker. It blocks until the worker picks
// the command up, the context is canceled or the worker stops.
func (w *Worker) SendCommand(ctx context.Context, cmd Command) error {
	select {
	case w.cmdChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return errWorkerExiting
	}
}

// Events returns the channel the worker emits events on. The worker blocks
// until each event is consumed, so the caller must keep draining it.
func (w *Worker) Events() <-chan Event {
	return w.eventChan
}

// Stats returns a snapshot of the cumulative decode statistics. It is safe
// to call concurrently with the run loop.
func (w *Worker) Stats() Stats {
	return w.stats.snapshot()
}

// Run processes commands until the context is canceled. Must only be called
// once. Any live session is torn down when the loop stops.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.sess.Destroy()

	w.log.Tracef("Starting decode worker loop")

	for {
		select {
		case cmd := <-w.cmdChan:
			w.handleCommand(ctx, cmd)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// emit sends one event to the consumer.
func (w *Worker) emit(ctx context.Context, ev Event) {
	select {
	case w.eventChan <- ev:
	case <-ctx.Done():
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdInit:
		w.handleInit(ctx)
	case CmdDecode:
		w.handleDecode(ctx, cmd.Packet)
	case CmdConfigure:
		w.handleConfigure(cmd.Config)
	case CmdReset:
		w.handleReset(ctx)
	case CmdDestroy:
		w.handleDestroy(ctx)
	default:
		// Unknown kinds are dropped without an event.
		w.log.Debugf("Ignoring unknown command kind %q", cmd.Kind)
	}
}

func (w *Worker) handleInit(ctx context.Context) {
	if err := w.sess.Init(); err != nil {
		w.log.Errorf("Decoder initialization failed: %v", err)
		w.emit(ctx, Event{Kind: EventDecoderError, Err: err})
		return
	}
	w.emit(ctx, Event{Kind: EventDecoderReady})
}

func (w *Worker) handleDecode(ctx context.Context, packet []byte) {
	// A missing packet is concealed without involving the session: there
	// is nothing to decode, and a synthesized silence frame keeps
	// downstream consumers fed at a steady cadence.
	if len(packet) == 0 {
		w.stats.packetsConcealed.Add(1)
		w.emit(ctx, Event{
			Kind: EventDecodedAudio,
			Audio: &AudioData{
				Samples:      make([]float32, concealFrameSamples),
				Timestamp:    time.Now(),
				IsPacketLoss: true,
			},
		})
		return
	}

	samples, elapsed, err := w.sess.Decode(packet)
	if err != nil {
		w.stats.decodeErrors.Add(1)
		w.log.Debugf("Decode of %d byte packet failed: %v", len(packet), err)
		w.emit(ctx, Event{Kind: EventDecodeError, Err: err})
		return
	}

	w.stats.packetsDecoded.Add(1)
	w.stats.samplesDecoded.Add(uint64(len(samples)))
	w.stats.decodeTime.Add(int64(elapsed))
	w.emit(ctx, Event{
		Kind: EventDecodedAudio,
		Audio: &AudioData{
			Samples:        samples,
			Timestamp:      time.Now(),
			DecodeTime:     elapsed,
			SamplesDecoded: len(samples),
		},
	})
}

func (w *Worker) handleConfigure(cfg ConfigUpdate) {
	// Configuration is best-effort: failures are logged, never emitted as
	// protocol errors and never change the session state.
	if err := w.sess.Configure(cfg); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			w.log.Debugf("Dropping configure before decoder is ready")
		} else {
			w.log.Warnf("Decoder configuration failed: %v", err)
		}
	}
}

func (w *Worker) handleReset(ctx context.Context) {
	if err := w.sess.Reset(); err != nil {
		w.log.Errorf("Decoder reset failed: %v", err)
		w.emit(ctx, Event{Kind: EventDecoderError, Err: err})
		return
	}
	w.emit(ctx, Event{Kind: EventDecoderReady})
}

func (w *Worker) handleDestroy(ctx context.Context) {
	w.sess.Destroy()
	w.emit(ctx, Event{Kind: EventDestroyed})
}
