package worker

import (
	"time"
)

// Command kinds accepted by the worker. Kinds outside this set are ignored.
const (
	CmdInit      = "init"
	CmdDecode    = "decode"
	CmdConfigure = "configure"
	CmdReset     = "reset"
	CmdDestroy   = "destroy"
)

// Event kinds emitted by the worker.
const (
	// EventDecoderReady acknowledges a successful init or reset.
	EventDecoderReady = "decoder-ready"

	// EventDecoderError reports a failed init or reset. The session may
	// be recovered with another init.
	EventDecoderError = "decoder-error"

	// EventDecodedAudio carries one decoded (or concealed) frame.
	EventDecodedAudio = "decoded-audio"

	// EventDecodeError reports a failed decode of one packet. The
	// session remains usable.
	EventDecodeError = "decode-error"

	// EventDestroyed acknowledges a destroy.
	EventDestroyed = "destroyed"
)

// Command is one inbound request to the worker. Kind selects the operation;
// the payload fields are consulted only for the kinds that take one.
type Command struct {
	Kind string

	// Packet is the compressed payload of a decode command. Empty or nil
	// means the packet was lost and its frame must be concealed. The
	// slice is copied into the staging area and never retained.
	Packet []byte

	// Config is the payload of a configure command.
	Config ConfigUpdate
}

// ConfigUpdate carries the recognized decoder options of a configure
// command. Nil fields leave the current value untouched.
type ConfigUpdate struct {
	// Gain is a linear output gain multiplier, applied at the engine in
	// Q8 fixed point.
	Gain *float64
}

// AudioData is the payload of a decoded-audio event. Ownership of Samples
// transfers to the consumer. SamplesDecoded and DecodeTime describe the
// engine call and are zero on concealed frames.
type AudioData struct {
	Samples        []float32
	Timestamp      time.Time
	DecodeTime     time.Duration
	SamplesDecoded int

	// IsPacketLoss marks frames synthesized in place of a missing
	// packet rather than decoded from one.
	IsPacketLoss bool
}

// Event is one outbound message from the worker. Exactly one event is
// emitted per init, decode, reset and destroy command; configure and
// unknown kinds emit none.
type Event struct {
	Kind string

	// Audio is set on decoded-audio events.
	Audio *AudioData

	// Err is set on decoder-error and decode-error events.
	Err error
}
