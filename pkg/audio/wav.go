package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for WAV files that are not
// 16-bit integer PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding")

// wavHeader holds the fields of the "fmt " chunk that matter for decoding.
type wavHeader struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// DecodeWAV parses a RIFF/WAVE file containing 16-bit PCM and returns it as a
// mono clip. Multi-channel input is downmixed.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 {
		return Clip{}, errors.New("audio: WAV data too short to be a RIFF file")
	}
	if string(data[0:4]) != "RIFF" {
		return Clip{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return Clip{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var hdr wavHeader
	foundFmt := false

	// Chunks follow the 12-byte RIFF/WAVE header and are word-aligned.
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Clip{}, errors.New("audio: WAV fmt chunk truncated")
			}
			f := data[body:]
			hdr = wavHeader{
				AudioFormat:   int(binary.LittleEndian.Uint16(f[0:2])),
				Channels:      int(binary.LittleEndian.Uint16(f[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(f[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(f[14:16])),
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return Clip{}, errors.New("audio: WAV data chunk before fmt chunk")
			}
			if hdr.AudioFormat != 1 || hdr.BitsPerSample != 16 {
				return Clip{}, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedWAV, hdr.AudioFormat, hdr.BitsPerSample)
			}
			end := body + size
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			return ClipFromPCM(data[body:end], Format{SampleRate: hdr.SampleRate, Channels: hdr.Channels}), nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return Clip{}, errors.New("audio: WAV data missing data chunk")
}

// EncodeWAV writes c as a canonical 44-byte-header mono 16-bit PCM WAV file.
func EncodeWAV(w io.Writer, c Clip) error {
	dataLen := len(c.Samples) * 2
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(c.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(c.SampleRate*2))
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := w.Write(c.Bytes()); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}
