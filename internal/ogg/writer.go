package ogg

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
)

const (
	opusIdSig      = "OpusHead"
	opusCommentSig = "OpusTags"
)

// pageWriter serializes Ogg pages of one logical bitstream.
type pageWriter struct {
	w      io.Writer
	serial uint32
}

func newPageWriter(out io.Writer) *pageWriter {
	return &pageWriter{
		w:      out,
		serial: rand.Uint32(),
	}
}

func (o *pageWriter) WritePage(p Page) error {
	headerSize := pageHeaderSize + int(p.PageSegments)
	totalSize := headerSize + p.SegmentTotal

	buf := make([]byte, totalSize)
	headerType := uint8(0x0)
	if p.IsContinued {
		headerType = headerType | flagContinued
	}
	if p.IsFirstPage {
		headerType = headerType | flagFirstPage
	}
	if p.IsLastPage {
		headerType = headerType | flagLastPage
	}

	copy(buf[0:], pageSig)
	buf[4] = p.Version
	buf[5] = headerType

	binary.LittleEndian.PutUint64(buf[6:], p.GranulePosition)
	binary.LittleEndian.PutUint32(buf[14:], p.BitstreamSerial)
	binary.LittleEndian.PutUint32(buf[18:], p.PageSequence)
	// compute checksum later

	buf[26] = p.PageSegments
	for i, s := range p.SegmentTable {
		buf[27+i] = s
	}

	idx := headerSize
	for i, s := range p.Segments {
		copy(buf[idx:], s)
		idx += int(p.SegmentTable[i])
	}

	binary.LittleEndian.PutUint32(buf[22:], crc(buf))

	_, err := o.w.Write(buf)
	return err
}

// partions a slice of bytes into units no bigger than 255
func partition(p []byte) ([]uint8, [][]byte) {
	segCountHint := len(p)/255 + 1
	st := make([]uint8, 0, segCountHint)
	s := make([][]byte, 0, segCountHint)

	for len(p) > 255 {
		st = append(st, 255)
		s = append(s, p[:255])
		p = p[255:]
	}

	st = append(st, uint8(len(p)))
	s = append(s, p)

	// packet of exactly 255 bytes is terminated by lacing value of 0
	if len(p) == 255 {
		st = append(st, 0)
		s = append(s, []byte{})
	}
	return st, s
}

func (o *pageWriter) NewPage(payload []byte, granulePosition uint64, pageSeqence uint32) Page {
	segTable, segments := partition(payload)
	total := len(payload)

	return Page{
		PageHeader: PageHeader{
			Version:         0,
			GranulePosition: granulePosition,
			BitstreamSerial: o.serial,
			PageSequence:    pageSeqence,

			PageSegments: uint8(len(segTable)),
			SegmentTable: segTable,
		},
		Segments:     segments,
		SegmentTotal: total,
	}
}

// Writer writes an .ogg file of opus packets, one packet per page.
type Writer struct {
	ogg *pageWriter

	totalPCMSamples uint64
	pageIndex       uint32
}

// NewWriter writes the OpusHead and OpusTags header pages for a mono 48kHz
// stream and returns a writer ready to take packets.
func NewWriter(out io.Writer) (*Writer, error) {
	writer := &Writer{
		ogg: newPageWriter(out),
	}

	err := writer.writeHeaders()
	if err != nil {
		return nil, err
	}

	return writer, nil
}

func (w *Writer) writeHeaders() error {
	idHeader := make([]byte, 19)
	copy(idHeader[0:], opusIdSig)
	idHeader[8] = 1
	idHeader[9] = 1 // channel count

	binary.LittleEndian.PutUint16(idHeader[10:], 0 /*312*/) // pre-skip, this is what ffmpeg / libopus seems to like
	binary.LittleEndian.PutUint32(idHeader[12:], 48000)     // sample rate
	binary.LittleEndian.PutUint16(idHeader[16:], 0)         // output gain
	idHeader[18] = 0                                        // mono or stereo

	idPage := w.ogg.NewPage(idHeader, 0, w.pageIndex)
	idPage.IsFirstPage = true
	err := w.ogg.WritePage(idPage)
	if err != nil {
		return err
	}
	w.pageIndex++

	vendor := "opusworker"
	commentHeader := make([]byte, 8+4+len(vendor)+4)
	copy(commentHeader[0:], opusCommentSig)
	binary.LittleEndian.PutUint32(commentHeader[8:], uint32(len(vendor)))
	copy(commentHeader[12:], vendor)
	binary.LittleEndian.PutUint32(commentHeader[12+len(vendor):], 0) // comment list length

	commentPage := w.ogg.NewPage(commentHeader, 0, w.pageIndex)
	err = w.ogg.WritePage(commentPage)
	if err == nil {
		w.pageIndex++
	}
	return err
}

// WritePacket writes one opus packet as its own page. pcmSamples is the
// number of samples the packet decodes to, used to advance the granule
// position.
func (w *Writer) WritePacket(p []byte, pcmSamples uint64, isLast bool) error {
	if len(p) > 255*255 {
		// Such a large payload requires splitting a single packet into
		// multiple ogg pages.
		return fmt.Errorf("packet splitting not supported")
	}
	granule := w.totalPCMSamples + pcmSamples
	w.totalPCMSamples += pcmSamples
	page := w.ogg.NewPage(p, granule, w.pageIndex)
	page.IsLastPage = isLast
	w.pageIndex++

	return w.ogg.WritePage(page)
}

// Finish writes an empty terminating page. Not needed if the last packet was
// written with isLast set.
func (w *Writer) Finish() error {
	page := w.ogg.NewPage([]byte{}, w.totalPCMSamples, w.pageIndex)
	page.IsLastPage = true
	w.pageIndex++
	return w.ogg.WritePage(page)
}
