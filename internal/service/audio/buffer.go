// Package audio provides the per-session sample buffer and PCM helpers
// shared by ingestion, turn detection and transcription.
package audio

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Sample rates accepted for ingestion.
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// ErrOutOfRange is returned when a slice falls outside retained audio.
var ErrOutOfRange = errors.New("sample range outside retained buffer")

// SupportedSampleRate reports whether rate is within
// [MinSampleRate, MaxSampleRate].
func SupportedSampleRate(rate int) bool {
	return rate >= MinSampleRate && rate <= MaxSampleRate
}

// Window is a fixed-size, contiguous run of samples handed to the
// voice activity classifier. Start is an absolute sample offset.
type Window struct {
	Start      int64
	Samples    []int16
	SampleRate int
}

// End returns the absolute offset one past the last sample.
func (w Window) End() int64 {
	return w.Start + int64(len(w.Samples))
}

// Duration returns the window length in seconds.
func (w Window) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Stats is a point-in-time view of buffer occupancy.
type Stats struct {
	Start          int64 `json:"start"`
	Read           int64 `json:"read"`
	End            int64 `json:"end"`
	Retained       int   `json:"retainedSamples"`
	Unconsumed     int   `json:"unconsumedSamples"`
	DroppedSamples int64 `json:"droppedSamples"`
}

// Buffer is a rolling sample buffer for one session.
//
// Samples are addressed by absolute offset since the session started.
// Three positions are tracked:
//
//	start <= read <= end
//	  │       │       └── one past the newest sample
//	  │       └── next sample not yet handed out as a window
//	  └── oldest retained sample (retention watermark)
//
// Not safe for concurrent use; a Buffer is owned by its session's
// ingestion goroutine.
type Buffer struct {
	sampleRate int
	windowSize int
	capacity   int

	data []int16
	head int   // index in data of the sample at offset start
	base int64 // absolute offset of data[0]
	read int64

	dropped int64
}

// NewBuffer creates a buffer producing windows of windowDuration and
// retaining at most capDuration of audio.
func NewBuffer(sampleRate int, windowDuration, capDuration time.Duration) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	windowSize := SamplesFor(sampleRate, windowDuration)
	if windowSize <= 0 {
		return nil, fmt.Errorf("window duration %v too short for %d Hz", windowDuration, sampleRate)
	}
	capacity := SamplesFor(sampleRate, capDuration)
	if capacity < windowSize {
		capacity = windowSize
	}
	return &Buffer{
		sampleRate: sampleRate,
		windowSize: windowSize,
		capacity:   capacity,
		data:       make([]int16, 0, min(windowSize*4, capacity)),
	}, nil
}

// SampleRate returns the buffer's sample rate.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// WindowSize returns the number of samples per window.
func (b *Buffer) WindowSize() int { return b.windowSize }

// Start returns the absolute offset of the oldest retained sample.
func (b *Buffer) Start() int64 { return b.base + int64(b.head) }

// Read returns the absolute offset of the next unconsumed sample.
func (b *Buffer) Read() int64 { return b.read }

// End returns the absolute offset one past the newest sample.
func (b *Buffer) End() int64 { return b.base + int64(len(b.data)) }

// Push appends samples. When retained audio exceeds the safety cap the
// oldest samples are evicted, even if not yet consumed, and the number
// of evicted samples is returned.
func (b *Buffer) Push(samples []int16) int {
	b.data = append(b.data, samples...)

	over := b.retained() - b.capacity
	if over <= 0 {
		return 0
	}
	b.evict(b.Start() + int64(over))
	b.dropped += int64(over)
	return over
}

// TakeWindow returns the next full window and advances the read
// position. It returns false when less than one window is buffered.
func (b *Buffer) TakeWindow() (Window, bool) {
	if b.End()-b.read < int64(b.windowSize) {
		return Window{}, false
	}
	samples, _ := b.Slice(b.read, b.read+int64(b.windowSize))
	w := Window{Start: b.read, Samples: samples, SampleRate: b.sampleRate}
	b.read += int64(b.windowSize)
	return w, true
}

// Slice copies the samples in [from, to).
func (b *Buffer) Slice(from, to int64) ([]int16, error) {
	if from < b.Start() || to > b.End() || from > to {
		return nil, fmt.Errorf("%w: [%d, %d) not within [%d, %d)", ErrOutOfRange, from, to, b.Start(), b.End())
	}
	lo := int(from - b.base)
	hi := int(to - b.base)
	out := make([]int16, hi-lo)
	copy(out, b.data[lo:hi])
	return out, nil
}

// Retain advances the retention watermark to from, making older samples
// evictable. The watermark never moves backwards and never passes the
// read position.
func (b *Buffer) Retain(from int64) {
	if from > b.read {
		from = b.read
	}
	if from <= b.Start() {
		return
	}
	b.evict(from)
}

// Stats reports buffer occupancy.
func (b *Buffer) Stats() Stats {
	return Stats{
		Start:          b.Start(),
		Read:           b.read,
		End:            b.End(),
		Retained:       b.retained(),
		Unconsumed:     int(b.End() - b.read),
		DroppedSamples: b.dropped,
	}
}

// Seconds converts a sample count at the buffer's rate to seconds.
func (b *Buffer) Seconds(samples int64) float64 {
	return float64(samples) / float64(b.sampleRate)
}

func (b *Buffer) retained() int {
	return len(b.data) - b.head
}

// evict drops samples before offset. Compaction is amortized: the live
// region is only copied down once the dead prefix outgrows it.
func (b *Buffer) evict(offset int64) {
	b.head = int(offset - b.base)
	if b.read < offset {
		b.read = offset
	}
	if b.head < len(b.data)-b.head {
		return
	}
	n := copy(b.data, b.data[b.head:])
	b.data = b.data[:n]
	b.base += int64(b.head)
	b.head = 0
}

// SamplesFor converts a duration to a sample count at sampleRate,
// truncating. Non-positive inputs give 0 and the result saturates at
// math.MaxInt instead of wrapping.
func SamplesFor(sampleRate int, d time.Duration) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(sampleRate), uint64(d))
	if hi >= uint64(time.Second) {
		return math.MaxInt
	}
	n, _ := bits.Div64(hi, lo, uint64(time.Second))
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}
