package worker

import (
	"errors"
	"testing"

	"github.com/companyzero/opusworker/codec"
	"github.com/companyzero/opusworker/internal/assert"
	"github.com/companyzero/opusworker/internal/testutils"
)

// newTestSession creates a session backed by a fresh engine factory.
func newTestSession(t testing.TB) (*Session, *testEngineFactory) {
	fac := newTestEngineFactory()
	s := NewSession(SessionConfig{
		NewEngine: fac.new,
		Log:       testutils.TestLoggerSys(t, "SESS"),
	})
	return s, fac
}

// TestSessionLifecycle asserts the basic init/destroy transitions and the
// staging buffer invariant: buffers exist exactly while the session is
// ready.
func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.DeepEqual(t, s.State(), StateUninitialized)

	assert.NilErr(t, s.Init())
	assert.DeepEqual(t, s.State(), StateReady)
	assert.DeepEqual(t, fac.count(), 1)
	if s.inBuf == nil || s.outBuf == nil {
		t.Fatal("staging buffers not allocated on init")
	}
	assert.DeepEqual(t, len(s.inBuf), codec.MaxPacketBytes)
	assert.DeepEqual(t, len(s.outBuf), codec.MaxFrameSamples)

	s.Destroy()
	assert.DeepEqual(t, s.State(), StateDestroyed)
	_, _, destroyed := fac.engine(0).stats()
	assert.BoolIs(t, destroyed, true)
	if s.inBuf != nil || s.outBuf != nil {
		t.Fatal("staging buffers kept after destroy")
	}

	// Destroy is idempotent.
	s.Destroy()
	assert.DeepEqual(t, s.State(), StateDestroyed)

	// Init restarts the machine after a destroy.
	assert.NilErr(t, s.Init())
	assert.DeepEqual(t, s.State(), StateReady)
	assert.DeepEqual(t, fac.count(), 2)
}

// TestSessionStateGuards asserts decode, configure and reset never touch the
// engine layer outside the ready state.
func TestSessionStateGuards(t *testing.T) {
	t.Parallel()

	gain := 1.0
	s, fac := newTestSession(t)

	_, _, err := s.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, s.Configure(ConfigUpdate{Gain: &gain}), ErrNotInitialized)
	assert.ErrorIs(t, s.Reset(), ErrNotInitialized)
	assert.DeepEqual(t, fac.count(), 0)

	// Same guards after a destroy.
	assert.NilErr(t, s.Init())
	s.Destroy()
	_, _, err = s.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, s.Configure(ConfigUpdate{Gain: &gain}), ErrNotInitialized)
	assert.ErrorIs(t, s.Reset(), ErrNotInitialized)
	decodes, ctls, _ := fac.engine(0).stats()
	assert.DeepEqual(t, decodes, 0)
	assert.DeepEqual(t, len(ctls), 0)
}

// TestSessionInitFailure asserts a failed engine creation moves the session
// to errored and a later init retry succeeds.
func TestSessionInitFailure(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	errCreate := errors.New("no codec for you")
	fac.failNextCreate(errCreate)

	assert.ErrorIs(t, s.Init(), errCreate)
	assert.DeepEqual(t, s.State(), StateErrored)
	if s.inBuf != nil || s.outBuf != nil {
		t.Fatal("staging buffers allocated on failed init")
	}

	assert.NilErr(t, s.Init())
	assert.DeepEqual(t, s.State(), StateReady)
}

// TestSessionDecode asserts decoding stages through the fixed buffers,
// reuses them in place across calls and returns freshly owned results.
func TestSessionDecode(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.NilErr(t, s.Init())
	eng := fac.engine(0)

	pktA := []byte{0x40, 1, 2, 3}
	samplesA, _, err := s.Decode(pktA)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(samplesA), 960)
	assert.DeepEqual(t, samplesA[0], fillValue(pktA))

	// A second decode overwrites both staging regions and must not
	// disturb the previously returned samples.
	pktB := []byte{0x80, 9, 9}
	samplesB, _, err := s.Decode(pktB)
	assert.NilErr(t, err)
	assert.DeepEqual(t, samplesB[0], fillValue(pktB))
	assert.DeepEqual(t, samplesA[0], fillValue(pktA))

	inPtrs, pcmPtrs := eng.bufferPtrs()
	if inPtrs[0] != inPtrs[1] || pcmPtrs[0] != pcmPtrs[1] {
		t.Fatal("staging buffers were reallocated between decodes")
	}
	if &samplesA[0] == pcmPtrs[0] || &samplesB[0] == pcmPtrs[0] {
		t.Fatal("returned samples alias the output staging buffer")
	}
}

// TestSessionDecodeFailure asserts a failed decode leaves the session ready
// and the next packet decodes normally.
func TestSessionDecodeFailure(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.NilErr(t, s.Init())
	fac.engine(0).failNextDecode(&codec.DecodeError{Code: -4})

	_, _, err := s.Decode([]byte{1})
	var decErr *codec.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("unexpected error type: %v", err)
	}
	assert.DeepEqual(t, decErr.Code, int32(-4))
	assert.DeepEqual(t, s.State(), StateReady)

	samples, _, err := s.Decode([]byte{2})
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(samples), 960)
}

// TestSessionDecodeBounds asserts oversized packets are rejected before the
// engine and decoded frames never exceed the output capacity.
func TestSessionDecodeBounds(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.NilErr(t, s.Init())
	eng := fac.engine(0)

	_, _, err := s.Decode(make([]byte, codec.MaxPacketBytes+1))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	decodes, _, _ := eng.stats()
	assert.DeepEqual(t, decodes, 0)

	// The largest legal frame fits exactly.
	eng.setDecodedSamples(codec.MaxFrameSamples)
	samples, _, err := s.Decode(make([]byte, codec.MaxPacketBytes))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(samples), codec.MaxFrameSamples)

	// An engine reporting more samples than the staging capacity is
	// clamped instead of overrunning the result copy.
	eng.setDecodedSamples(codec.MaxFrameSamples + 100)
	samples, _, err = s.Decode([]byte{1})
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(samples), codec.MaxFrameSamples)
}

// TestSessionConfigure asserts gain updates reach the engine in Q8 encoding
// and engine-side failures surface to the caller without changing state.
func TestSessionConfigure(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.NilErr(t, s.Init())
	eng := fac.engine(0)

	gain := 1.5
	assert.NilErr(t, s.Configure(ConfigUpdate{Gain: &gain}))

	// An empty update is a no-op.
	assert.NilErr(t, s.Configure(ConfigUpdate{}))
	_, ctls, _ := eng.stats()
	assert.DeepEqual(t, ctls, [][2]int32{{codec.CtlSetGain, 384}})

	eng.failCtls(codec.ErrCtlUnsupported)
	assert.ErrorIs(t, s.Configure(ConfigUpdate{Gain: &gain}),
		codec.ErrCtlUnsupported)
	assert.DeepEqual(t, s.State(), StateReady)
}

// TestSessionReset asserts reset recreates the engine and the staging
// buffers and recovers an errored session.
func TestSessionReset(t *testing.T) {
	t.Parallel()

	s, fac := newTestSession(t)
	assert.NilErr(t, s.Init())
	_, _, err := s.Decode([]byte{1})
	assert.NilErr(t, err)

	assert.NilErr(t, s.Reset())
	assert.DeepEqual(t, s.State(), StateReady)
	assert.DeepEqual(t, fac.count(), 2)
	_, _, destroyed := fac.engine(0).stats()
	assert.BoolIs(t, destroyed, true)

	// The recreated engine serves subsequent decodes.
	samples, _, err := s.Decode([]byte{2})
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(samples), 960)
	decodes, _, _ := fac.engine(1).stats()
	assert.DeepEqual(t, decodes, 1)

	// Reset also recovers an errored session.
	errCreate := errors.New("transient failure")
	fac.failNextCreate(errCreate)
	assert.ErrorIs(t, s.Init(), errCreate)
	assert.DeepEqual(t, s.State(), StateErrored)
	assert.NilErr(t, s.Reset())
	assert.DeepEqual(t, s.State(), StateReady)
}
