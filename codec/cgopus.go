//go:build cgo

package codec

import (
	"github.com/companyzero/gopus"
)

func init() {
	RegisterEngine("cgo", newCgoEngine)
}

// cgoEngine is an Engine backed by the cgo opus binding. The binding decodes
// to int16 samples, so a scratch buffer sized once at creation bridges to
// the float32 contract.
type cgoEngine struct {
	dec      *gopus.Decoder
	pcm16    []int16
	channels int
}

func newCgoEngine(sampleRate, channels int) (Engine, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &cgoEngine{
		dec:      dec,
		pcm16:    make([]int16, MaxFrameSamples*channels),
		channels: channels,
	}, nil
}

func (e *cgoEngine) Decode(packet []byte, pcm []float32, fec bool) (int, error) {
	frameSize := len(pcm) / e.channels
	decoded, err := e.dec.Decode(packet, frameSize, fec, e.pcm16)
	if err != nil {
		return 0, &DecodeError{Err: err}
	}
	n := len(decoded)
	if n > len(pcm) {
		n = len(pcm)
	}
	for i := 0; i < n; i++ {
		pcm[i] = float32(decoded[i]) / 32768
	}
	return n, nil
}

func (e *cgoEngine) Ctl(id, value int32) error {
	return ErrCtlUnsupported
}

func (e *cgoEngine) Destroy() {
	// The binding frees the underlying decoder through a finalizer; drop
	// the reference.
	e.dec = nil
}
