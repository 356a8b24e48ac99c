package worker

import (
	"sync"

	"github.com/companyzero/opusworker/codec"
)

// testEngine is an engine double. Every packet decodes to a fixed sample
// count, with the output filled from the packet's first byte so aliasing
// between results and staging can be detected. Individual calls can be
// primed to fail.
type testEngine struct {
	mtx            sync.Mutex
	decodedSamples int
	nextDecodeErr  error
	ctlErr         error

	decodeCalls int
	ctlCalls    [][2]int32
	destroyed   bool

	// First-element pointers of the buffers received on each decode call,
	// used to assert the staging regions are reused in place.
	inPtrs  []*byte
	pcmPtrs []*float32
}

func (e *testEngine) Decode(packet []byte, pcm []float32, fec bool) (int, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.decodeCalls++
	if len(packet) > 0 {
		e.inPtrs = append(e.inPtrs, &packet[0])
	}
	if len(pcm) > 0 {
		e.pcmPtrs = append(e.pcmPtrs, &pcm[0])
	}

	if err := e.nextDecodeErr; err != nil {
		e.nextDecodeErr = nil
		return 0, err
	}

	n := e.decodedSamples
	if n > len(pcm) {
		// Still report the oversized count, but only fill what fits.
		for i := range pcm {
			pcm[i] = fillValue(packet)
		}
		return n, nil
	}
	for i := range pcm[:n] {
		pcm[i] = fillValue(packet)
	}
	return n, nil
}

func (e *testEngine) Ctl(id, value int32) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.ctlCalls = append(e.ctlCalls, [2]int32{id, value})
	return e.ctlErr
}

func (e *testEngine) Destroy() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.destroyed = true
}

func (e *testEngine) failNextDecode(err error) {
	e.mtx.Lock()
	e.nextDecodeErr = err
	e.mtx.Unlock()
}

func (e *testEngine) failCtls(err error) {
	e.mtx.Lock()
	e.ctlErr = err
	e.mtx.Unlock()
}

func (e *testEngine) setDecodedSamples(n int) {
	e.mtx.Lock()
	e.decodedSamples = n
	e.mtx.Unlock()
}

func (e *testEngine) stats() (decodeCalls int, ctlCalls [][2]int32, destroyed bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.decodeCalls, append([][2]int32(nil), e.ctlCalls...), e.destroyed
}

func (e *testEngine) bufferPtrs() (in []*byte, pcm []*float32) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]*byte(nil), e.inPtrs...), append([]*float32(nil), e.pcmPtrs...)
}

// fillValue is the marker value the test engine writes for a given packet.
func fillValue(packet []byte) float32 {
	if len(packet) == 0 {
		return -1
	}
	return float32(packet[0]) / 256
}

// testEngineFactory creates testEngines and records them. Creation can be
// primed to fail once or to block until released.
type testEngineFactory struct {
	mtx     sync.Mutex
	engines []*testEngine

	nextCreateErr error
	createHold    chan struct{}
	createStarted chan struct{}
}

func newTestEngineFactory() *testEngineFactory {
	return &testEngineFactory{}
}

// new is a codec.Factory.
func (f *testEngineFactory) new(sampleRate, channels int) (codec.Engine, error) {
	f.mtx.Lock()
	hold := f.createHold
	started := f.createStarted
	err := f.nextCreateErr
	f.nextCreateErr = nil
	f.mtx.Unlock()

	if hold != nil {
		started <- struct{}{}
		<-hold
	}
	if err != nil {
		return nil, err
	}

	e := &testEngine{decodedSamples: 960}
	f.mtx.Lock()
	f.engines = append(f.engines, e)
	f.mtx.Unlock()
	return e, nil
}

// failNextCreate primes the next creation to fail with err.
func (f *testEngineFactory) failNextCreate(err error) {
	f.mtx.Lock()
	f.nextCreateErr = err
	f.mtx.Unlock()
}

// createHold stalls engine creations until released. started is written when
// a creation reaches the stall.
type createHold struct {
	started chan struct{}
	release func()
}

// holdCreates makes creations block until the returned hold is released.
func (f *testEngineFactory) holdCreates() *createHold {
	hold := make(chan struct{})
	started := make(chan struct{}, 8)
	f.mtx.Lock()
	f.createHold = hold
	f.createStarted = started
	f.mtx.Unlock()
	return &createHold{
		started: started,
		release: func() {
			f.mtx.Lock()
			f.createHold = nil
			f.createStarted = nil
			f.mtx.Unlock()
			close(hold)
		},
	}
}

// count returns how many engines were created.
func (f *testEngineFactory) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.engines)
}

// engine returns the i-th created engine.
func (f *testEngineFactory) engine(i int) *testEngine {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.engines[i]
}
