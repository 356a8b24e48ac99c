package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/opusworker/codec"
	"github.com/companyzero/opusworker/internal/assert"
	"github.com/companyzero/opusworker/internal/testutils"
)

// newTestWorker creates a worker backed by a fresh engine factory and starts
// its run loop. The loop is stopped when the test completes.
func newTestWorker(t testing.TB) (*Worker, *testEngineFactory) {
	fac := newTestEngineFactory()
	w := New(Config{
		NewEngine: fac.new,
		Log:       testutils.TestLoggerSys(t, "WRKR"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return w, fac
}

// send delivers one command to the worker or fails the test.
func send(t testing.TB, w *Worker, cmd Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	assert.NilErr(t, w.SendCommand(ctx, cmd))
}

// TestWorkerStream tests the full command flow of a healthy session: init,
// decode of a real packet, concealment of a lost one, a best-effort
// configure and a final destroy.
func TestWorkerStream(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker(t)

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	send(t, w, Command{Kind: CmdDecode, Packet: make([]byte, 200)})
	ev := assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodedAudio)
	assert.DeepEqual(t, ev.Audio.SamplesDecoded, 960)
	assert.DeepEqual(t, len(ev.Audio.Samples), 960)
	assert.BoolIs(t, ev.Audio.IsPacketLoss, false)

	send(t, w, Command{Kind: CmdDecode})
	ev = assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodedAudio)
	assert.BoolIs(t, ev.Audio.IsPacketLoss, true)
	assert.DeepEqual(t, len(ev.Audio.Samples), 480)
	for i, s := range ev.Audio.Samples {
		if s != 0 {
			t.Fatalf("concealed sample %d is %v, not silence", i, s)
		}
	}

	// Configure is acknowledged by silence: the next event seen is the
	// destroy ack.
	gain := 1.0
	send(t, w, Command{Kind: CmdConfigure, Config: ConfigUpdate{Gain: &gain}})
	send(t, w, Command{Kind: CmdDestroy})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDestroyed})

	stats := w.Stats()
	assert.DeepEqual(t, stats.PacketsDecoded, 1)
	assert.DeepEqual(t, stats.SamplesDecoded, 960)
	assert.DeepEqual(t, stats.PacketsConcealed, 1)
}

// TestWorkerConcealsWithoutSession tests that lost packets are concealed at
// the dispatcher, without the decoder session (or any engine) ever being
// involved.
func TestWorkerConcealsWithoutSession(t *testing.T) {
	t.Parallel()

	w, fac := newTestWorker(t)

	// No init was issued, so concealment must work against a session that
	// cannot decode.
	send(t, w, Command{Kind: CmdDecode, Packet: nil})
	ev := assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodedAudio)
	assert.BoolIs(t, ev.Audio.IsPacketLoss, true)
	assert.DeepEqual(t, len(ev.Audio.Samples), 480)
	assert.DeepEqual(t, fac.count(), 0)

	// A real packet before init is a per-packet error, not a crash.
	send(t, w, Command{Kind: CmdDecode, Packet: []byte{1, 2, 3}})
	ev = assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodeError)
	assert.ErrorIs(t, ev.Err, ErrNotInitialized)
}

// TestWorkerInitFailure tests that a failed init emits a decoder error and a
// retried init recovers the worker.
func TestWorkerInitFailure(t *testing.T) {
	t.Parallel()

	w, fac := newTestWorker(t)
	errCreate := errors.New("engine did not load")
	fac.failNextCreate(errCreate)

	send(t, w, Command{Kind: CmdInit})
	ev := assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecoderError)
	assert.ErrorIs(t, ev.Err, errCreate)

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})
}

// TestWorkerDecodeFailureIsolated tests that a failed decode of packet k does
// not prevent packet k+1 from decoding.
func TestWorkerDecodeFailureIsolated(t *testing.T) {
	t.Parallel()

	w, fac := newTestWorker(t)
	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	fac.engine(0).failNextDecode(&codec.DecodeError{Code: -4})
	send(t, w, Command{Kind: CmdDecode, Packet: []byte{1}})
	ev := assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodeError)

	send(t, w, Command{Kind: CmdDecode, Packet: []byte{2}})
	ev = assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodedAudio)
	assert.DeepEqual(t, ev.Audio.SamplesDecoded, 960)

	stats := w.Stats()
	assert.DeepEqual(t, stats.DecodeErrors, 1)
	assert.DeepEqual(t, stats.PacketsDecoded, 1)
}

// TestWorkerResetBlocksDecode tests that a decode sent right after a reset
// does not execute until reinitialization completes.
func TestWorkerResetBlocksDecode(t *testing.T) {
	t.Parallel()

	w, fac := newTestWorker(t)
	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	// Stall the engine recreation inside the reset, then queue a decode
	// behind it.
	hold := fac.holdCreates()
	go func() { _ = w.SendCommand(context.Background(), Command{Kind: CmdReset}) }()
	assert.ChanWritten(t, hold.started)
	go func() {
		_ = w.SendCommand(context.Background(),
			Command{Kind: CmdDecode, Packet: []byte{7}})
	}()

	// Nothing decodes while the reset is in flight.
	assert.ChanNotWritten(t, w.eventChan, 100*time.Millisecond)
	decodes, _, _ := fac.engine(0).stats()
	assert.DeepEqual(t, decodes, 0)

	// Releasing the reset completes it and only then runs the decode,
	// against the recreated engine.
	hold.release()
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})
	ev := assert.ChanWritten(t, w.eventChan)
	assert.DeepEqual(t, ev.Kind, EventDecodedAudio)
	decodes, _, _ = fac.engine(1).stats()
	assert.DeepEqual(t, decodes, 1)
}

// TestWorkerDestroyIdempotent tests that repeated destroys are each
// acknowledged and cause no fault, and that init restarts the worker after.
func TestWorkerDestroyIdempotent(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker(t)
	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	send(t, w, Command{Kind: CmdDestroy})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDestroyed})
	send(t, w, Command{Kind: CmdDestroy})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDestroyed})

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})
}

// TestWorkerIgnoresUnknownCommands tests that unknown command kinds emit no
// event and do not disturb the command stream.
func TestWorkerIgnoresUnknownCommands(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorker(t)
	send(t, w, Command{Kind: "transcode"})
	assert.ChanNotWritten(t, w.eventChan, 100*time.Millisecond)

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})
}

// TestWorkerConfigureBeforeReady tests that configure commands received
// before the decoder is ready are dropped silently.
func TestWorkerConfigureBeforeReady(t *testing.T) {
	t.Parallel()

	w, fac := newTestWorker(t)
	gain := 2.0
	send(t, w, Command{Kind: CmdConfigure, Config: ConfigUpdate{Gain: &gain}})
	assert.ChanNotWritten(t, w.eventChan, 100*time.Millisecond)

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	// The dropped configure did not reach the engine; one issued while
	// ready does.
	send(t, w, Command{Kind: CmdConfigure, Config: ConfigUpdate{Gain: &gain}})
	send(t, w, Command{Kind: CmdDestroy})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDestroyed})
	_, ctls, _ := fac.engine(0).stats()
	assert.DeepEqual(t, ctls, [][2]int32{{codec.CtlSetGain, 512}})
}

// TestWorkerStops tests that canceling the run context tears the session
// down and fails further sends.
func TestWorkerStops(t *testing.T) {
	t.Parallel()

	fac := newTestEngineFactory()
	w := New(Config{
		NewEngine: fac.new,
		Log:       testutils.TestLoggerSys(t, "WRKR"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	send(t, w, Command{Kind: CmdInit})
	assert.ChanWrittenWithVal(t, w.eventChan, Event{Kind: EventDecoderReady})

	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
	_, _, destroyed := fac.engine(0).stats()
	assert.BoolIs(t, destroyed, true)

	err := w.SendCommand(context.Background(), Command{Kind: CmdDecode})
	assert.ErrorIs(t, err, errWorkerExiting)
}
