// Package codec defines the boundary to the native audio decoding engines
// and the engine implementations available to the worker.
package codec

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/companyzero/opusworker/internal/generics"
)

// Fixed decoding parameters. These must be agreed upon with the engines and
// with hosts that size their own staging areas.
const (
	// SampleRate is the only sample rate the worker decodes at.
	SampleRate = 48000

	// Channels is the fixed channel count (mono).
	Channels = 1

	// MaxPacketBytes is the largest compressed packet accepted for
	// decoding.
	MaxPacketBytes = 4000

	// MaxFrameSamples is the largest decoded frame (120ms at 48kHz).
	MaxFrameSamples = 5760
)

// CtlSetGain is the control identifier for setting the decoder output gain.
// The value is a linear multiplier in Q8 fixed point (see GainQ8).
const CtlSetGain = 4034

// GainQ8 converts a linear gain multiplier to the Q8 fixed-point encoding
// used by the engine control interface.
func GainQ8(gain float64) int32 {
	return int32(math.Round(gain * 256))
}

var (
	// ErrEngineUnavailable is returned by a factory whose backing
	// implementation cannot be used in this process (e.g. the shim
	// library was not found).
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrCtlUnsupported is returned by engines that cannot service a
	// control request.
	ErrCtlUnsupported = errors.New("ctl unsupported by engine")
)

// DecodeError is returned when an engine rejects a packet.
type DecodeError struct {
	// Code is the native error code, when the engine reports one.
	Code int32

	// Err is the underlying error, when the engine is a Go
	// implementation.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode failed: %v", e.Err)
	}
	return fmt.Sprintf("decode failed (code %d)", e.Code)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Engine is a handle to one stateful decoder instance. Engines are not safe
// for concurrent use; callers are expected to serialize all calls (the
// worker does so by construction).
type Engine interface {
	// Decode decodes packet into pcm and returns the number of samples
	// written. pcm is only borrowed for the duration of the call and is
	// never retained. A failed decode leaves the engine usable for
	// subsequent packets.
	Decode(packet []byte, pcm []float32, fec bool) (int, error)

	// Ctl issues a control request against the decoder instance.
	Ctl(id, value int32) error

	// Destroy releases the decoder instance. The engine must not be
	// used after Destroy returns.
	Destroy()
}

// Factory creates a new engine instance with the given stream parameters.
type Factory func(sampleRate, channels int) (Engine, error)

var (
	registryMtx sync.Mutex
	registry    = make(map[string]Factory)
)

// enginePreference is the order tried when no engine name is given.
var enginePreference = []string{"native", "cgo", "pure"}

// RegisterEngine registers an engine factory under the given name. It is
// meant to be called from init functions of the implementations.
func RegisterEngine(name string, f Factory) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("engine %q registered twice", name))
	}
	registry[name] = f
}

// Engines returns the names of all registered engines, sorted.
func Engines() []string {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	names := generics.Collect(maps.Keys(registry))
	sort.Strings(names)
	return names
}

func factory(name string) (Factory, bool) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	f, ok := registry[name]
	return f, ok
}

// NewEngine creates an engine by name. The empty name selects the first
// usable engine in preference order (native, cgo, pure), skipping ones whose
// backing implementation is unavailable in this process.
func NewEngine(name string, sampleRate, channels int) (Engine, error) {
	if name != "" {
		f, ok := factory(name)
		if !ok {
			return nil, fmt.Errorf("unknown engine %q (have %v)",
				name, Engines())
		}
		return f(sampleRate, channels)
	}

	var lastErr error
	for _, name := range enginePreference {
		f, ok := factory(name)
		if !ok {
			continue
		}
		e, err := f(sampleRate, channels)
		if err == nil {
			return e, nil
		}
		if errors.Is(err, ErrEngineUnavailable) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("no decoding engine registered")
}
