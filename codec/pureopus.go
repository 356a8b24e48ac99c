package codec

import (
	opus "github.com/thesyncim/gopus"
)

func init() {
	RegisterEngine("pure", newPureEngine)
}

// pureEngine is an Engine backed by the pure Go opus decoder. It is always
// available and is the fallback when no native library can be used. The
// decoder has no gain control of its own, so CtlSetGain is applied by
// scaling decoded samples.
type pureEngine struct {
	dec    *opus.Decoder
	gainQ8 int32
}

func newPureEngine(sampleRate, channels int) (Engine, error) {
	dec, err := opus.NewDecoder(opus.DefaultDecoderConfig(sampleRate, channels))
	if err != nil {
		return nil, err
	}
	return &pureEngine{dec: dec, gainQ8: 256}, nil
}

func (e *pureEngine) Decode(packet []byte, pcm []float32, fec bool) (int, error) {
	// The decoder conceals losses internally when handed a nil packet;
	// the fec flag has no out-of-band counterpart here.
	n, err := e.dec.Decode(packet, pcm)
	if err != nil {
		return 0, &DecodeError{Err: err}
	}
	if e.gainQ8 != 256 {
		scale := float32(e.gainQ8) / 256
		for i := range pcm[:n] {
			pcm[i] *= scale
		}
	}
	return n, nil
}

func (e *pureEngine) Ctl(id, value int32) error {
	if id != CtlSetGain {
		return ErrCtlUnsupported
	}
	e.gainQ8 = value
	return nil
}

func (e *pureEngine) Destroy() {
	e.dec = nil
}
