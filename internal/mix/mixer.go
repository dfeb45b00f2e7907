// Package mix combines independently captured recordings into a single mono
// track suitable for transcription.
package mix

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

// ErrNoInputs is returned when Merge is called without any input file.
var ErrNoInputs = errors.New("no input files provided for merging")

const (
	maxSample = math.MaxInt16
	minSample = math.MinInt16
)

// Merge combines the WAV files at paths into outputPath and returns the path
// of the merged file.
//
// A single input is copied through byte for byte. Several inputs are reduced
// to mono, zero-padded to the longest stream and summed; the sum is scaled
// down only if it does not fit into 16 bits. All inputs are expected to share
// the first stream's sample rate, mismatches are logged and not resampled.
func Merge(paths []string, outputPath string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoInputs
	}

	if len(paths) == 1 {
		if err := copyFile(paths[0], outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	clips, err := readClips(paths)
	if err != nil {
		return "", err
	}

	sampleRate := clips[0].SampleRate
	streams := make([][]int, len(clips))
	for i, clip := range clips {
		if clip.SampleRate != sampleRate {
			slog.Warn("Sample rate mismatch, mixing without resampling",
				"file", paths[i], "sample_rate", clip.SampleRate, "expected", sampleRate)
		}
		streams[i] = downmix(clip)
	}

	mixed := normalize(sum(streams))

	if err := wavio.WriteFile(outputPath, sampleRate, 1, mixed); err != nil {
		return "", fmt.Errorf("failed to write merged file: %w", err)
	}

	slog.Info("Merged audio file saved to", "file", outputPath, "inputs", len(paths), "frames", len(mixed))
	return outputPath, nil
}

// readClips decodes every input concurrently, preserving input order.
func readClips(paths []string) ([]*wavio.Clip, error) {
	clips := make([]*wavio.Clip, len(paths))

	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			clip, err := wavio.Read(p)
			if err != nil {
				return err
			}
			clips[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read merge input: %w", err)
	}
	return clips, nil
}

// downmix averages the channels of every frame.
func downmix(clip *wavio.Clip) []int {
	if clip.Channels <= 1 {
		return clip.Samples
	}

	frames := clip.Frames()
	mono := make([]int, frames)
	for f := 0; f < frames; f++ {
		total := 0
		for ch := 0; ch < clip.Channels; ch++ {
			total += clip.Samples[f*clip.Channels+ch]
		}
		mono[f] = int(math.Round(float64(total) / float64(clip.Channels)))
	}
	return mono
}

// sum adds the streams sample by sample. Shorter streams contribute silence
// past their end.
func sum(streams [][]int) []int {
	longest := 0
	for _, s := range streams {
		longest = max(longest, len(s))
	}

	mixed := make([]int, longest)
	for _, s := range streams {
		for i, v := range s {
			mixed[i] += v
		}
	}
	return mixed
}

// normalize converts the mix to 16-bit samples. If any sample falls outside
// the 16-bit range the whole mix is scaled so its absolute peak lands on
// maxSample; otherwise samples are copied unchanged.
func normalize(mixed []int) []int16 {
	peak := 0
	clipping := false
	for _, v := range mixed {
		if v > maxSample || v < minSample {
			clipping = true
		}
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}

	out := make([]int16, len(mixed))
	if !clipping {
		for i, v := range mixed {
			out[i] = int16(v)
		}
		return out
	}

	scale := float64(maxSample) / float64(peak)
	slog.Debug("Normalizing merged audio", "peak", peak, "scale", scale)
	for i, v := range mixed {
		out[i] = int16(math.Round(float64(v) * scale))
	}
	return out
}

func copyFile(src, dst string) error {
	if sameFile(src, dst) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
