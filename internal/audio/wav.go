package audio

import (
	"bytes"
	"fmt"
	"io"

	wav "github.com/youpy/go-wav"
)

// WriteWAV wraps mono s16le PCM in a WAV container.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	numSamples := uint32(len(pcm) / BytesPerSample)
	ww := wav.NewWriter(w, numSamples, 1, uint32(sampleRate), 16)
	if _, err := ww.Write(pcm); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// ReadWAV decodes a mono 16-bit PCM WAV stream, returning the raw sample
// bytes and the sample rate. Anything else is rejected at the boundary.
func ReadWAV(r io.Reader) ([]byte, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read wav data: %w", err)
	}
	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav header: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM {
		return nil, 0, fmt.Errorf("unsupported wav format %d, want PCM", format.AudioFormat)
	}
	if format.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count %d, want mono", format.NumChannels)
	}
	if format.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d, want 16", format.BitsPerSample)
	}
	pcm, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("read wav data: %w", err)
	}
	return pcm, int(format.SampleRate), nil
}
