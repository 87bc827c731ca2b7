package opus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Ogg page header type flags.
const (
	pageBOS       = 0x02
	pageEOS       = 0x04
)

// maxSegments is the maximum lacing values per Ogg page.
const maxSegments = 255

// oggCRCTable is the CRC-32 table for the Ogg polynomial 0x04c11db7
// (non-reflected, zero init, no final xor).
var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggCRC(b []byte) uint32 {
	var crc uint32
	for _, v := range b {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^v]
	}
	return crc
}

// oggWriter packs packets of a single logical stream into Ogg pages.
type oggWriter struct {
	w      io.Writer
	serial uint32
	seq    uint32

	// pending page state
	segments []byte
	body     []byte
	packets  int
	granule  int64
}

func newOggWriter(w io.Writer, serial uint32) *oggWriter {
	return &oggWriter{w: w, serial: serial}
}

// writeHeaderPacket writes pkt alone on its own page, as required for the
// Opus identification and comment headers.
func (o *oggWriter) writeHeaderPacket(pkt []byte, flags byte) error {
	o.appendPacket(pkt)
	return o.flush(0, flags)
}

// writePacket queues an audio packet, flushing the current page first when
// the packet would not fit or when the page already holds maxPackets.
func (o *oggWriter) writePacket(pkt []byte, granule int64, maxPackets int) error {
	if len(o.segments)+lacingLen(len(pkt)) > maxSegments {
		if err := o.flush(o.granule, 0); err != nil {
			return err
		}
	}
	o.appendPacket(pkt)
	o.granule = granule
	if o.packets >= maxPackets {
		return o.flush(granule, 0)
	}
	return nil
}

// finish flushes remaining packets onto a final page marked end-of-stream.
func (o *oggWriter) finish(granule int64) error {
	return o.flush(granule, pageEOS)
}

func (o *oggWriter) appendPacket(pkt []byte) {
	n := len(pkt)
	for n >= 255 {
		o.segments = append(o.segments, 255)
		n -= 255
	}
	o.segments = append(o.segments, byte(n))
	o.body = append(o.body, pkt...)
	o.packets++
}

func (o *oggWriter) flush(granule int64, flags byte) error {
	if len(o.segments) == 0 && flags&pageEOS == 0 {
		return nil
	}
	hdr := make([]byte, 27+len(o.segments))
	copy(hdr[0:4], "OggS")
	hdr[4] = 0
	hdr[5] = flags
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(granule))
	binary.LittleEndian.PutUint32(hdr[14:18], o.serial)
	binary.LittleEndian.PutUint32(hdr[18:22], o.seq)
	hdr[26] = byte(len(o.segments))
	copy(hdr[27:], o.segments)

	page := append(hdr, o.body...)
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))

	if _, err := o.w.Write(page); err != nil {
		return fmt.Errorf("opus: write ogg page %d: %w", o.seq, err)
	}
	o.seq++
	o.segments = o.segments[:0]
	o.body = o.body[:0]
	o.packets = 0
	return nil
}

func lacingLen(n int) int {
	return n/255 + 1
}
