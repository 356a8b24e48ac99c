//go:build darwin || linux

package codec

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// The native engine drives libopusworker, a thin fixed-arity wrapper around
// libopus (opus_decoder_ctl is variadic and cannot be bound portably, so the
// shim flattens it). The library is loaded at first use, which makes engine
// creation the only potentially slow operation of a worker.

var (
	nativeOnce    sync.Once
	nativeHandle  uintptr
	nativeInitErr error
)

// libopusworker function pointers.
var (
	nativeDecoderCreate  func(sampleRate, channels int32) uint64
	nativeDecoderDecode  func(dec uint64, data uintptr, dataLen int32, pcm uintptr, maxSamples, decodeFEC int32) int32
	nativeDecoderCtl     func(dec uint64, ctl, value int32) int32
	nativeDecoderDestroy func(dec uint64)
	nativeGetError       func() uintptr
	nativeGetVersion     func() uintptr
)

func init() {
	RegisterEngine("native", newNativeEngine)
}

func loadNative() error {
	nativeOnce.Do(func() {
		nativeInitErr = loadNativeLib()
	})
	return nativeInitErr
}

func loadNativeLib() error {
	var lastErr error
	for _, path := range nativeLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		nativeHandle = handle
		registerNativeSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: libopusworker: %v", ErrEngineUnavailable, lastErr)
	}
	return fmt.Errorf("%w: libopusworker not found", ErrEngineUnavailable)
}

func nativeLibPaths() []string {
	libName := "libopusworker.so"
	if runtime.GOOS == "darwin" {
		libName = "libopusworker.dylib"
	}

	var paths []string
	if envPath := os.Getenv("OPUSWORKER_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "build", libName))
	}
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

func registerNativeSymbols() {
	purego.RegisterLibFunc(&nativeDecoderCreate, nativeHandle, "opusworker_decoder_create")
	purego.RegisterLibFunc(&nativeDecoderDecode, nativeHandle, "opusworker_decoder_decode_float")
	purego.RegisterLibFunc(&nativeDecoderCtl, nativeHandle, "opusworker_decoder_ctl")
	purego.RegisterLibFunc(&nativeDecoderDestroy, nativeHandle, "opusworker_decoder_destroy")
	purego.RegisterLibFunc(&nativeGetError, nativeHandle, "opusworker_get_error")
	purego.RegisterLibFunc(&nativeGetVersion, nativeHandle, "opusworker_get_version")
}

func nativeError() string {
	if nativeGetError == nil {
		return "library not loaded"
	}
	ptr := nativeGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// NativeVersion returns the version string of the loaded libopusworker, or
// the empty string when the library is unavailable.
func NativeVersion() string {
	if loadNative() != nil {
		return ""
	}
	ptr := nativeGetVersion()
	if ptr == 0 {
		return ""
	}
	return goStringFromPtr(ptr)
}

// goStringFromPtr copies a NUL-terminated C string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Pointer(ptr + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// nativeEngine is an Engine backed by one libopusworker decoder instance.
type nativeEngine struct {
	handle uint64
}

func newNativeEngine(sampleRate, channels int) (Engine, error) {
	if err := loadNative(); err != nil {
		return nil, err
	}

	handle := nativeDecoderCreate(int32(sampleRate), int32(channels))
	if handle == 0 {
		return nil, fmt.Errorf("create native decoder: %s", nativeError())
	}
	return &nativeEngine{handle: handle}, nil
}

func (e *nativeEngine) Decode(packet []byte, pcm []float32, fec bool) (int, error) {
	var dataPtr uintptr
	if len(packet) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&packet[0]))
	}
	var fecFlag int32
	if fec {
		fecFlag = 1
	}

	n := nativeDecoderDecode(
		e.handle,
		dataPtr,
		int32(len(packet)),
		uintptr(unsafe.Pointer(&pcm[0])),
		int32(len(pcm)),
		fecFlag,
	)
	runtime.KeepAlive(packet)
	runtime.KeepAlive(pcm)
	if n < 0 {
		return 0, &DecodeError{Code: n}
	}
	return int(n), nil
}

func (e *nativeEngine) Ctl(id, value int32) error {
	if status := nativeDecoderCtl(e.handle, id, value); status != 0 {
		return fmt.Errorf("ctl %d failed (status %d): %s", id, status,
			nativeError())
	}
	return nil
}

func (e *nativeEngine) Destroy() {
	if e.handle != 0 {
		nativeDecoderDestroy(e.handle)
		e.handle = 0
	}
}
