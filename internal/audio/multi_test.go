package audio

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/wavio"
)

const testRate = 8000

var fastOptions = MultiOptions{
	PollInterval: 5 * time.Millisecond,
	JoinTimeout:  time.Second,
	MinFileSize:  wavio.HeaderSize,
}

// silenceThenTone returns one second of silence followed by one second of
// a 440 Hz sine at the given amplitude.
func silenceThenTone(amplitude float64) []int16 {
	samples := make([]int16, 2*testRate)
	for i := testRate; i < len(samples); i++ {
		samples[i] = int16(math.Round(amplitude * math.Sin(2*math.Pi*440*float64(i)/testRate)))
	}
	return samples
}

func waitAllRecording(t *testing.T, sources ...*fakeSource) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range sources {
			if !s.IsRecording() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestNewMultiSource_NoSources(t *testing.T) {
	_, err := NewMultiSource(nil, fastOptions)
	require.ErrorIs(t, err, ErrNoSources)
}

func TestMultiSource_EndToEnd(t *testing.T) {
	a := newFakeSource(testRate, silenceThenTone(8000))
	b := newFakeSource(testRate, silenceThenTone(6000))
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "meeting.wav")
	waitAllRecording(t, a, b)
	assert.True(t, m.IsRecording())

	m.Stop()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, filepath.Join(dir, "meeting.wav"), res.path)
	assert.False(t, m.IsRecording())

	clip, err := wavio.Read(res.path)
	require.NoError(t, err)
	assert.Equal(t, 1, clip.Channels)
	assert.Equal(t, testRate, clip.SampleRate)
	assert.Equal(t, 2*time.Second, clip.Duration())

	for i := 0; i < testRate; i++ {
		require.Zero(t, clip.Samples[i], "first second is silent at %d", i)
	}
	sa, sb := silenceThenTone(8000), silenceThenTone(6000)
	for i := testRate; i < 2*testRate; i++ {
		require.Equal(t, int(sa[i])+int(sb[i]), clip.Samples[i], "tone summed without scaling at %d", i)
	}

	// intermediate parts are removed
	_, err = os.Stat(filepath.Join(dir, "meeting_part_0.wav"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "meeting_part_1.wav"))
	assert.True(t, os.IsNotExist(err))

	session := m.Session()
	require.NotNil(t, session)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "meeting", session.BaseName)
	assert.Equal(t, res.path, session.MergedPath)
	assert.Len(t, session.PartPaths, 2)
	assert.NoError(t, session.Errors)
}

func TestMultiSource_LoudTonesAreNormalized(t *testing.T) {
	a := newFakeSource(testRate, silenceThenTone(20000))
	b := newFakeSource(testRate, silenceThenTone(20000))
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	done := recordAsync(context.Background(), m, t.TempDir(), "loud.wav")
	waitAllRecording(t, a, b)
	m.Stop()

	res := waitResult(t, done)
	require.NoError(t, res.err)

	clip, err := wavio.Read(res.path)
	require.NoError(t, err)

	peak := 0
	for _, s := range clip.Samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	assert.Equal(t, 32767, peak)
	assert.Equal(t, 2*time.Second, clip.Duration())
}

func TestMultiSource_FailedSourceDoesNotSinkSession(t *testing.T) {
	a := newFakeSource(testRate, nil)
	a.failErr = errBoom
	b := newFakeSource(testRate, []int16{100, 200, 300})
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "call.wav")
	waitAllRecording(t, b)
	m.Stop()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, filepath.Join(dir, "call.wav"), res.path)

	clip, err := wavio.Read(res.path)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, clip.Samples)

	session := m.Session()
	require.NotNil(t, session)
	assert.ErrorIs(t, session.Errors, errBoom)
}

func TestMultiSource_PanickingSourceIsRecovered(t *testing.T) {
	a := newFakeSource(testRate, nil)
	a.panicMsg = "driver exploded"
	b := newFakeSource(testRate, []int16{1, 2})
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	done := recordAsync(context.Background(), m, t.TempDir(), "panic.wav")
	waitAllRecording(t, b)
	m.Stop()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.path)
	assert.Contains(t, m.Session().Errors.Error(), "driver exploded")
}

func TestMultiSource_AllSourcesFail(t *testing.T) {
	a := newFakeSource(testRate, nil)
	a.failErr = errBoom
	m, err := NewMultiSource([]Source{a}, fastOptions)
	require.NoError(t, err)

	done := recordAsync(context.Background(), m, t.TempDir(), "fail.wav")
	require.Eventually(t, m.IsRecording, time.Second, time.Millisecond)
	m.Stop()

	res := waitResult(t, done)
	assert.Empty(t, res.path)
	assert.ErrorIs(t, res.err, errBoom)
}

func TestMultiSource_NothingCaptured(t *testing.T) {
	a := newFakeSource(testRate, nil)
	b := newFakeSource(testRate, nil)
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "quiet.wav")
	waitAllRecording(t, a, b)
	m.Stop()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Empty(t, res.path, "empty result signals nothing to merge")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "header-only parts are cleaned up")
}

func TestMultiSource_StopIsIdempotent(t *testing.T) {
	a := newFakeSource(testRate, []int16{1})
	b := newFakeSource(testRate, []int16{2})
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	// before Record: nothing to stop
	m.Stop()
	assert.Zero(t, a.stopCalls.Load())

	done := recordAsync(context.Background(), m, t.TempDir(), "idem.wav")
	waitAllRecording(t, a, b)

	m.Stop()
	m.Stop()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	m.Stop()

	assert.Equal(t, int32(1), a.stopCalls.Load())
	assert.Equal(t, int32(1), b.stopCalls.Load())
}

func TestMultiSource_HungSourceIsAbandoned(t *testing.T) {
	hung := newFakeSource(testRate, []int16{5, 5, 5})
	hung.hang = make(chan struct{})
	t.Cleanup(func() { close(hung.hang) })
	ok := newFakeSource(testRate, []int16{7, 7})

	opts := fastOptions
	opts.JoinTimeout = 50 * time.Millisecond
	m, err := NewMultiSource([]Source{hung, ok}, opts)
	require.NoError(t, err)

	done := recordAsync(context.Background(), m, t.TempDir(), "hung.wav")
	waitAllRecording(t, hung, ok)

	start := time.Now()
	m.Stop()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Less(t, time.Since(start), time.Second)

	clip, err := wavio.Read(res.path)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 7}, clip.Samples, "only the finished source is merged")
}

func TestMultiSource_AbandonedPartRemovedWhenSourceReturns(t *testing.T) {
	hung := newFakeSource(testRate, []int16{5, 5, 5})
	hung.hang = make(chan struct{})
	ok := newFakeSource(testRate, []int16{7, 7})

	opts := fastOptions
	opts.JoinTimeout = 50 * time.Millisecond
	m, err := NewMultiSource([]Source{hung, ok}, opts)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "late.wav")
	waitAllRecording(t, hung, ok)

	m.Stop()
	res := waitResult(t, done)
	require.NoError(t, res.err)

	// the hung source now finishes and writes its part after the session
	close(hung.hang)

	latePart := filepath.Join(dir, "late_part_0.wav")
	require.Eventually(t, func() bool {
		_, err := os.Stat(latePart)
		return errors.Is(err, os.ErrNotExist) && !hung.IsRecording()
	}, 2*time.Second, 5*time.Millisecond)

	clip, err := wavio.Read(res.path)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 7}, clip.Samples)
}

func TestMultiSource_CancelledBeforeStart(t *testing.T) {
	a := newFakeSource(testRate, []int16{3, 4})
	m, err := NewMultiSource([]Source{a}, fastOptions)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := waitResult(t, recordAsync(ctx, m, t.TempDir(), "early.wav"))
	require.NoError(t, res.err)
	assert.False(t, m.IsRecording())
}

func TestMultiSource_ContextCancelStops(t *testing.T) {
	a := newFakeSource(testRate, []int16{3, 4})
	m, err := NewMultiSource([]Source{a}, fastOptions)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := recordAsync(ctx, m, t.TempDir(), "ctx.wav")
	waitAllRecording(t, a)

	cancel()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.path)
	assert.Equal(t, int32(1), a.stopCalls.Load())
}

func TestMultiSource_MergeFailureFallsBackToPart(t *testing.T) {
	a := newFakeSource(testRate, nil)
	a.junk = true
	b := newFakeSource(testRate, []int16{1, 2, 3})
	m, err := NewMultiSource([]Source{a, b}, fastOptions)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "broken.wav")
	waitAllRecording(t, a, b)
	m.Stop()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, filepath.Join(dir, "broken_part_0.wav"), res.path)

	// parts are kept when the merge fails
	_, err = os.Stat(filepath.Join(dir, "broken_part_1.wav"))
	assert.NoError(t, err)
	assert.Error(t, m.Session().Errors)
}

func TestMultiSource_RejectsConcurrentRecord(t *testing.T) {
	a := newFakeSource(testRate, []int16{1})
	m, err := NewMultiSource([]Source{a}, fastOptions)
	require.NoError(t, err)

	dir := t.TempDir()
	done := recordAsync(context.Background(), m, dir, "one.wav")
	waitAllRecording(t, a)

	_, err = m.Record(context.Background(), dir, "two.wav")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	m.Stop()
	require.NoError(t, waitResult(t, done).err)
}

func TestMultiSource_Info(t *testing.T) {
	m, err := NewMultiSource([]Source{newFakeSource(16000, nil), newFakeSource(48000, nil)}, fastOptions)
	require.NoError(t, err)

	info := m.Info()
	assert.Equal(t, TypeMulti, info.Type)
	require.Len(t, info.Sources, 2)
	assert.Equal(t, 16000, info.Sources[0].SampleRate)
	assert.Equal(t, 48000, info.Sources[1].SampleRate)
}
