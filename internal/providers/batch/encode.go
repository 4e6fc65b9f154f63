package batch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// encodeWAV wraps raw s16le PCM in a RIFF/WAVE container.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	buf := &writeSeekBuffer{}
	enc := wav.NewEncoder(buf, sampleRate, 16, channels, 1)

	data := make([]int, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		data = append(data, int(int16(binary.LittleEndian.Uint16(pcm[i:i+2]))))
	}

	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           data,
	}); err != nil {
		return nil, fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalizing wav: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSeekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// seeks back to patch chunk sizes on Close.
type writeSeekBuffer struct {
	buf bytes.Buffer
	pos int
}

func (w *writeSeekBuffer) Write(p []byte) (int, error) {
	if w.pos < w.buf.Len() {
		n := copy(w.buf.Bytes()[w.pos:], p)
		w.pos += n
		if n < len(p) {
			m, err := w.buf.Write(p[n:])
			w.pos += m
			return n + m, err
		}
		return n, nil
	}
	n, err := w.buf.Write(p)
	w.pos += n
	return n, err
}

func (w *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = w.pos + int(offset)
	case io.SeekEnd:
		next = w.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 || next > w.buf.Len() {
		return 0, fmt.Errorf("seek out of range: %d", next)
	}
	w.pos = next
	return int64(next), nil
}

func (w *writeSeekBuffer) Bytes() []byte {
	return w.buf.Bytes()
}
