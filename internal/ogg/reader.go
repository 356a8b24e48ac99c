package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBadChecksum is returned when a page fails CRC validation.
var ErrBadChecksum = errors.New("ogg page checksum mismatch")

// StreamInfo is the information carried by the OpusHead header packet.
type StreamInfo struct {
	Channels   uint8
	PreSkip    uint16
	SampleRate uint32
	OutputGain uint16
}

// Reader reads opus packets out of an Ogg stream. Packets split across
// lacing boundaries and page continuations are reassembled.
type Reader struct {
	r    io.Reader
	info StreamInfo

	// packets already reassembled out of the last page read, in order.
	packets [][]byte

	// pending holds the tail of a packet continued on the next page.
	pending []byte

	lastPage bool
}

// NewReader parses the OpusHead and OpusTags header packets and returns a
// reader positioned at the first audio packet.
func NewReader(r io.Reader) (*Reader, error) {
	or := &Reader{r: r}

	head, err := or.NextPacket()
	if err != nil {
		return nil, fmt.Errorf("unable to read id header: %w", err)
	}
	if len(head) < 19 || string(head[:8]) != opusIdSig {
		return nil, fmt.Errorf("stream does not start with an %s packet",
			opusIdSig)
	}
	or.info = StreamInfo{
		Channels:   head[9],
		PreSkip:    binary.LittleEndian.Uint16(head[10:]),
		SampleRate: binary.LittleEndian.Uint32(head[12:]),
		OutputGain: binary.LittleEndian.Uint16(head[16:]),
	}

	tags, err := or.NextPacket()
	if err != nil {
		return nil, fmt.Errorf("unable to read comment header: %w", err)
	}
	if len(tags) < 8 || string(tags[:8]) != opusCommentSig {
		return nil, fmt.Errorf("missing %s packet", opusCommentSig)
	}

	return or, nil
}

// Info returns the parameters declared in the stream's id header.
func (or *Reader) Info() StreamInfo {
	return or.info
}

// NextPacket returns the next packet of the stream. It returns io.EOF after
// the last packet.
func (or *Reader) NextPacket() ([]byte, error) {
	for len(or.packets) == 0 {
		if or.lastPage {
			return nil, io.EOF
		}
		if err := or.readPage(); err != nil {
			return nil, err
		}
	}
	p := or.packets[0]
	or.packets = or.packets[1:]
	return p, nil
}

// readPage reads and validates one page and appends the packets it completes
// to the queue.
func (or *Reader) readPage() error {
	header := make([]byte, pageHeaderSize)
	if _, err := io.ReadFull(or.r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("truncated page header: %w", err)
		}
		return err
	}
	if string(header[:4]) != pageSig {
		return fmt.Errorf("bad page signature %x", header[:4])
	}
	if header[4] != 0 {
		return fmt.Errorf("unsupported ogg version %d", header[4])
	}

	headerType := header[5]
	continued := headerType&flagContinued != 0
	or.lastPage = headerType&flagLastPage != 0
	wantCrc := binary.LittleEndian.Uint32(header[22:])
	nsegs := int(header[26])

	rest := make([]byte, nsegs)
	if _, err := io.ReadFull(or.r, rest); err != nil {
		return fmt.Errorf("truncated segment table: %w", err)
	}
	segTable := rest

	var payloadLen int
	for _, l := range segTable {
		payloadLen += int(l)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(or.r, payload); err != nil {
		return fmt.Errorf("truncated page payload: %w", err)
	}

	// Recompute the checksum with the crc field zeroed.
	full := make([]byte, 0, pageHeaderSize+nsegs+payloadLen)
	full = append(full, header...)
	full = append(full, segTable...)
	full = append(full, payload...)
	full[22], full[23], full[24], full[25] = 0, 0, 0, 0
	if crc(full) != wantCrc {
		return ErrBadChecksum
	}

	if !continued && len(or.pending) > 0 {
		// The continuation promised by the previous page never came.
		or.pending = nil
	}

	// Walk the lacing values: a value below 255 terminates a packet. A
	// lone zero lacing (the empty terminating page) carries no packet.
	idx := 0
	for _, l := range segTable {
		or.pending = append(or.pending, payload[idx:idx+int(l)]...)
		idx += int(l)
		if l < 255 && (l > 0 || len(or.pending) > 0) {
			or.packets = append(or.packets, or.pending)
			or.pending = nil
		}
	}
	return nil
}
