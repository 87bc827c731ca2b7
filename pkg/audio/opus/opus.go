// Package opus renders mono PCM clips as Ogg Opus files.
//
// Encoding uses libopus through gopus at 48 kHz with 20 ms frames. The Ogg
// container follows RFC 7845: an OpusHead page, an OpusTags page, then audio
// pages whose granule positions count 48 kHz samples including pre-skip.
package opus

import (
	"encoding/binary"
	"fmt"
	"io"

	"layeh.com/gopus"

	"github.com/MrWong99/takewright/pkg/audio"
)

const (
	// SampleRate is the Opus coding rate. Input clips are resampled to it.
	SampleRate = 48000

	frameMs = 20
	// frameSize is the number of samples per 20 ms frame.
	frameSize = SampleRate * frameMs / 1000 // 960

	// preSkip is the encoder lookahead in 48 kHz samples that decoders drop.
	preSkip = 312

	// maxPacketBytes bounds one encoded frame.
	maxPacketBytes = 4000

	// packetsPerPage groups one second of audio per Ogg page.
	packetsPerPage = 50

	// DefaultBitrate is used when Options.Bitrate is zero.
	DefaultBitrate = 64000
)

// Options configures [Encode].
type Options struct {
	// Bitrate in bits per second. Zero selects DefaultBitrate.
	Bitrate int

	// Serial is the Ogg logical stream serial number.
	Serial uint32

	// Vendor is written into the OpusTags header.
	Vendor string
}

// Encode writes c to w as an Ogg Opus stream.
func Encode(w io.Writer, c audio.Clip, opts Options) error {
	if opts.Bitrate == 0 {
		opts.Bitrate = DefaultBitrate
	}
	if opts.Vendor == "" {
		opts.Vendor = "takewright"
	}

	enc, err := gopus.NewEncoder(SampleRate, 1, gopus.Audio)
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	enc.SetBitrate(opts.Bitrate)

	pcm := audio.Resample(c.Samples, c.SampleRate, SampleRate)
	ogg := newOggWriter(w, opts.Serial)

	if err := ogg.writeHeaderPacket(opusHead(c.SampleRate), pageBOS); err != nil {
		return err
	}
	if err := ogg.writeHeaderPacket(opusTags(opts.Vendor), 0); err != nil {
		return err
	}

	frame := make([]int16, frameSize)
	var granule int64
	for off := 0; off < len(pcm); off += frameSize {
		n := copy(frame, pcm[off:])
		clear(frame[n:])
		pkt, err := enc.Encode(frame, frameSize, maxPacketBytes)
		if err != nil {
			return fmt.Errorf("opus: encode frame at sample %d: %w", off, err)
		}
		granule += frameSize
		if err := ogg.writePacket(pkt, granule, packetsPerPage); err != nil {
			return err
		}
	}

	// The final granule marks the true end so decoders trim frame padding.
	return ogg.finish(int64(preSkip + len(pcm)))
}

// opusHead builds the identification header (RFC 7845 section 5.1).
func opusHead(inputRate int) []byte {
	b := make([]byte, 19)
	copy(b[0:8], "OpusHead")
	b[8] = 1 // version
	b[9] = 1 // channels
	binary.LittleEndian.PutUint16(b[10:12], preSkip)
	binary.LittleEndian.PutUint32(b[12:16], uint32(inputRate))
	binary.LittleEndian.PutUint16(b[16:18], 0) // output gain
	b[18] = 0                                  // mapping family
	return b
}

// opusTags builds the comment header (RFC 7845 section 5.2) with no user
// comments.
func opusTags(vendor string) []byte {
	b := make([]byte, 8+4+len(vendor)+4)
	copy(b[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(vendor)))
	copy(b[12:], vendor)
	binary.LittleEndian.PutUint32(b[12+len(vendor):], 0)
	return b
}
