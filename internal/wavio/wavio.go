// Package wavio reads and writes 16-bit linear PCM WAV files.
//
// Writers stream samples to disk as they arrive so a recording of any length
// never has to be held in memory; the RIFF sizes are patched on Close.
package wavio

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// BitDepth is the only sample width this package writes.
	BitDepth = 16

	// HeaderSize is the size of a canonical WAV header with no samples.
	HeaderSize = 44

	pcmFormat = 1
)

// ErrUnsupportedBitDepth is returned by Read for sample widths it cannot
// bring into the 16-bit range.
var ErrUnsupportedBitDepth = errors.New("unsupported bit depth")

// Writer streams interleaved 16-bit samples into a WAV file.
type Writer struct {
	path       string
	sampleRate int
	channels   int

	f      *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	frames int64
}

// Create opens path for writing and emits a valid header immediately, so the
// file is a well formed (empty) WAV even if no samples are ever written.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := &Writer{
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, BitDepth, channels, pcmFormat),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: BitDepth,
		},
	}

	if err := w.Write(nil); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Write appends interleaved samples. len(samples) should be a multiple of the
// channel count; a trailing partial frame is still written.
func (w *Writer) Write(samples []int16) error {
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}

	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write samples to %s: %w", w.path, err)
	}
	w.frames += int64(len(samples) / w.channels)
	return nil
}

// Frames returns the number of complete frames written so far.
func (w *Writer) Frames() int64 { return w.frames }

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Close patches the header sizes, syncs and closes the file.
func (w *Writer) Close() error {
	encErr := w.enc.Close()
	closeErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize %s: %w", w.path, encErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", w.path, closeErr)
	}
	return nil
}

// WriteFile writes a complete set of interleaved samples to path.
func WriteFile(path string, sampleRate, channels int, samples []int16) error {
	w, err := Create(path, sampleRate, channels)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Clip is a fully decoded WAV file with samples scaled to the 16-bit range.
type Clip struct {
	SampleRate int
	Channels   int
	// BitDepth is the width stored in the file before conversion.
	BitDepth int
	// Samples are interleaved.
	Samples []int
}

// Frames returns the number of sample frames in the clip.
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Format is what a WAV header says about its audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
}

func (f *Format) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Frames) * time.Second / time.Duration(f.SampleRate)
}

// Stat reads only the header and data chunk size of path.
func Stat(path string) (*Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if d.NumChans == 0 || d.BitDepth == 0 {
		return nil, fmt.Errorf("failed to read header of %s: no format declared", path)
	}

	frameSize := int64(d.NumChans) * int64(d.BitDepth) / 8
	return &Format{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Frames:     int64(d.PCMSize) / frameSize,
	}, nil
}

// Read decodes the whole file at path.
func Read(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if d.NumChans == 0 {
		return nil, fmt.Errorf("failed to decode %s: no channels declared", path)
	}

	clip := &Clip{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Samples:    buf.Data,
	}
	if err := to16Bit(clip.Samples, clip.BitDepth); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// to16Bit rescales decoded samples in place.
func to16Bit(samples []int, bitDepth int) error {
	switch bitDepth {
	case 16:
	case 8:
		// 8-bit WAV is unsigned.
		for i, s := range samples {
			samples[i] = (s - 128) << 8
		}
	case 24, 32:
		shift := uint(bitDepth - 16)
		for i, s := range samples {
			samples[i] = s >> shift
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
	return nil
}
