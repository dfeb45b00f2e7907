package wavio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_EmptyFileIsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")

	w, err := Create(path, 48000, 2)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), info.Size())
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	samples := []int16{0, 1, -1, 32767, -32768, 100, 200, -300}

	require.NoError(t, WriteFile(path, 16000, 2, samples))

	clip, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, clip.SampleRate)
	assert.Equal(t, 2, clip.Channels)
	assert.Equal(t, 16, clip.BitDepth)
	assert.Equal(t, 4, clip.Frames())

	want := make([]int, len(samples))
	for i, s := range samples {
		want[i] = int(s)
	}
	assert.Equal(t, want, clip.Samples)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+2*len(samples)), info.Size())
}

func TestWriter_StreamsAcrossWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.wav")

	w, err := Create(path, 8000, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write([]int16{int16(i), int16(-i)}))
	}
	assert.Equal(t, int64(20), w.Frames())
	require.NoError(t, w.Close())

	clip, err := Read(path)
	require.NoError(t, err)
	require.Len(t, clip.Samples, 20)
	assert.Equal(t, 9, clip.Samples[18])
	assert.Equal(t, -9, clip.Samples[19])
	assert.Equal(t, 20*time.Second/8000, clip.Duration())
}

func TestCreate_InvalidFormat(t *testing.T) {
	dir := t.TempDir()

	_, err := Create(filepath.Join(dir, "a.wav"), 0, 1)
	assert.Error(t, err)

	_, err = Create(filepath.Join(dir, "b.wav"), 8000, 0)
	assert.Error(t, err)
}

func TestRead_MissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestTo16Bit(t *testing.T) {
	eight := []int{0, 128, 255}
	require.NoError(t, to16Bit(eight, 8))
	assert.Equal(t, []int{-32768, 0, 127 << 8}, eight)

	twentyFour := []int{0x7fffff, -0x800000}
	require.NoError(t, to16Bit(twentyFour, 24))
	assert.Equal(t, []int{32767, -32768}, twentyFour)

	assert.ErrorIs(t, to16Bit([]int{1}, 12), ErrUnsupportedBitDepth)
}

func TestStat_ReadsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat.wav")
	require.NoError(t, WriteFile(path, 8000, 2, make([]int16, 2*8000*3)))

	format, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, format.SampleRate)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, 16, format.BitDepth)
	assert.Equal(t, int64(3*8000), format.Frames)
	assert.Equal(t, 3*time.Second, format.Duration())
}

func TestStat_NotAWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not riff data"), 0644))

	_, err := Stat(path)
	assert.Error(t, err)
}
