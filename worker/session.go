package worker

import (
	"fmt"
	"time"

	"github.com/companyzero/opusworker/codec"
	"github.com/decred/slog"
)

// LifecycleState is the state of a decoder session. Transitions are driven
// exclusively by the session operations; no other component mutates it.
type LifecycleState uint32

// Decoder session lifecycle states. No other states exist.
const (
	StateUninitialized LifecycleState = iota
	StateInitializing
	StateReady
	StateResetting
	StateDestroyed
	StateErrored
)

// String returns the state name for logging.
func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateResetting:
		return "resetting"
	case StateDestroyed:
		return "destroyed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// SessionConfig holds the parameters of a decoder session.
type SessionConfig struct {
	// Engine is the name of the decoding engine created on init. Empty
	// selects the best available engine.
	Engine string

	// NewEngine overrides engine creation when set. Used by tests to
	// inject engine doubles.
	NewEngine codec.Factory

	// Log is the session logger. Nil disables logging.
	Log slog.Logger
}

// Session owns one decoding engine instance and the pair of staging buffers
// used to drive it. It enforces the lifecycle state machine: no engine call
// happens outside the ready state and a failed decode never changes state.
//
// Sessions are not safe for concurrent use. The worker serializes all calls
// by construction; standalone users must do their own serialization.
type Session struct {
	log       slog.Logger
	newEngine codec.Factory

	state  LifecycleState
	engine codec.Engine

	// Staging regions, sized once per successful init and reused in place
	// for every decode. Non-nil iff state == StateReady.
	inBuf  []byte
	outBuf []float32
}

// NewSession creates an uninitialized session. Init must be called before
// packets can be decoded.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	newEngine := cfg.NewEngine
	if newEngine == nil {
		name := cfg.Engine
		newEngine = func(sampleRate, channels int) (codec.Engine, error) {
			return codec.NewEngine(name, sampleRate, channels)
		}
	}
	return &Session{
		log:       log,
		newEngine: newEngine,
		state:     StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() LifecycleState {
	return s.state
}

// teardown releases the engine and drops the staging buffers.
func (s *Session) teardown() {
	if s.engine != nil {
		s.engine.Destroy()
		s.engine = nil
	}
	s.inBuf = nil
	s.outBuf = nil
}

// Init acquires a decoding engine and allocates the staging buffers. It may
// be called from any state: a live engine is torn down first, so a second
// init is equivalent to a reset. On failure the session transitions to the
// errored state; the caller may retry with another Init.
//
// This is the only operation that may block for a noticeable time, since
// creating an engine may load an external library.
func (s *Session) Init() error {
	s.teardown()
	s.state = StateInitializing

	engine, err := s.newEngine(codec.SampleRate, codec.Channels)
	if err != nil {
		s.state = StateErrored
		return fmt.Errorf("unable to create decoding engine: %w", err)
	}

	s.engine = engine
	s.inBuf = make([]byte, codec.MaxPacketBytes)
	s.outBuf = make([]float32, codec.MaxFrameSamples)
	s.state = StateReady
	s.log.Debugf("Decoder session ready (staging %d bytes in, %d samples out)",
		len(s.inBuf), len(s.outBuf))
	return nil
}

// Decode stages packet into the input buffer, runs the engine and copies the
// decoded samples into a freshly allocated buffer owned by the caller. The
// returned duration measures the engine call only.
//
// A decode failure does not change the session state and the session keeps
// accepting packets, so one bad frame cannot poison the stream.
func (s *Session) Decode(packet []byte) ([]float32, time.Duration, error) {
	if s.state != StateReady {
		return nil, 0, ErrNotInitialized
	}
	if len(packet) > len(s.inBuf) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge,
			len(packet), len(s.inBuf))
	}

	// Stage the packet. The caller's slice is never handed to the engine.
	staged := s.inBuf[:len(packet)]
	copy(staged, packet)

	start := time.Now()
	n, err := s.engine.Decode(staged, s.outBuf, false)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	if n > len(s.outBuf) {
		s.log.Warnf("Engine decoded %d samples with staging capacity %d",
			n, len(s.outBuf))
		n = len(s.outBuf)
	}

	// The staging buffer is overwritten in place by the next call, so the
	// result must be copied out.
	samples := make([]float32, n)
	copy(samples, s.outBuf[:n])
	return samples, elapsed, nil
}

// Configure applies a configuration update to the engine. It fails with
// ErrNotInitialized outside the ready state, without touching the engine.
// Configuration is advisory: callers are expected to log and otherwise
// ignore failures.
func (s *Session) Configure(cfg ConfigUpdate) error {
	if s.state != StateReady {
		return ErrNotInitialized
	}
	if cfg.Gain != nil {
		gain := codec.GainQ8(*cfg.Gain)
		if err := s.engine.Ctl(codec.CtlSetGain, gain); err != nil {
			return fmt.Errorf("set gain to %d: %w", gain, err)
		}
		s.log.Debugf("Set decoder gain to %.2f (q8 %d)", *cfg.Gain, gain)
	}
	return nil
}

// Reset tears the session down and reinitializes it. It is only accepted
// when there is a session to recreate (ready or errored); otherwise it fails
// with ErrNotInitialized.
func (s *Session) Reset() error {
	if s.state != StateReady && s.state != StateErrored {
		return ErrNotInitialized
	}
	s.state = StateResetting
	s.log.Debugf("Resetting decoder session")
	return s.Init()
}

// Destroy releases the engine and the staging buffers. It is idempotent and
// terminal: after Destroy only Init restarts the session.
func (s *Session) Destroy() {
	s.teardown()
	s.state = StateDestroyed
}
