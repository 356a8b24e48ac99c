// Package ogg reads and writes Ogg streams of opus packets.
package ogg

const pageSig = "OggS"

// pageHeaderSize is the fixed part of a page header, before the segment
// table.
const pageHeaderSize = 27

// Page header type flags.
const (
	flagContinued = 0x1
	flagFirstPage = 0x2
	flagLastPage  = 0x4
)

// PageHeader is the decoded header of one Ogg page.
type PageHeader struct {
	Version     uint8
	IsContinued bool
	IsFirstPage bool
	IsLastPage  bool

	GranulePosition uint64
	BitstreamSerial uint32
	PageSequence    uint32
	CrcChecksum     uint32

	PageSegments uint8
	SegmentTable []uint8
}

// Page is one Ogg page with its payload split at the lacing boundaries.
type Page struct {
	PageHeader
	Segments [][]byte

	// Size of all segments in bytes
	SegmentTotal int
}

var checksumTable = crcChecksum()

// crc computes the Ogg page checksum of buf. The checksum field bytes must be
// zero in buf.
func crc(buf []byte) uint32 {
	var checksum uint32
	for i := range buf {
		checksum = (checksum << 8) ^ checksumTable[byte(checksum>>24)^buf[i]]
	}
	return checksum
}

// https://github.com/pion/webrtc/blob/67826b19141ec9e6f1002a2267008a016a118934/pkg/media/oggwriter/oggwriter.go#L245-L261
func crcChecksum() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7

	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if (r & 0x80000000) != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
			table[i] = (r & 0xffffffff)
		}
	}
	return &table
}
