package audio

import (
	"errors"
	"math"
	"testing"
	"time"
)

func ramp(from, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(from + i)
	}
	return out
}

func TestNewBuffer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		rate    int
		window  time.Duration
		wantErr bool
	}{
		{"valid", 16000, 600 * time.Millisecond, false},
		{"zero rate", 0, 600 * time.Millisecond, true},
		{"negative rate", -8000, 600 * time.Millisecond, true},
		{"window rounds to zero", 1000, 100 * time.Microsecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuffer(tt.rate, tt.window, time.Minute)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBuffer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSamplesFor(t *testing.T) {
	tests := []struct {
		name string
		rate int
		d    time.Duration
		want int64
	}{
		{"window at 16 kHz", 16000, 600 * time.Millisecond, 9600},
		{"truncates", 1000, 1500 * time.Microsecond, 1},
		{"zero duration", 16000, 0, 0},
		{"negative duration", 16000, -time.Second, 0},
		{"zero rate", 0, time.Second, 0},
		{"large product is exact", 2_000_000_000, 120 * time.Second, 240_000_000_000},
		{"saturates", math.MaxInt, time.Duration(math.MaxInt64), math.MaxInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SamplesFor(tt.rate, tt.d); int64(got) != tt.want {
				t.Errorf("SamplesFor(%d, %v) = %d, want %d", tt.rate, tt.d, got, tt.want)
			}
		})
	}
}

func TestSupportedSampleRate(t *testing.T) {
	for rate, want := range map[int]bool{
		0:                 false,
		1:                 false,
		MinSampleRate:     true,
		16000:             true,
		MaxSampleRate:     true,
		MaxSampleRate + 1: false,
		2_000_000_000:     false,
	} {
		if got := SupportedSampleRate(rate); got != want {
			t.Errorf("SupportedSampleRate(%d) = %v, want %v", rate, got, want)
		}
	}
}

func TestNewBuffer_PreallocationBoundedByCap(t *testing.T) {
	b, err := NewBuffer(MaxSampleRate, 600*time.Millisecond, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got, limit := cap(b.data), SamplesFor(MaxSampleRate, 600*time.Millisecond); got > limit {
		t.Errorf("preallocated %d samples, expected at most %d", got, limit)
	}
}

func TestBuffer_TakeWindow(t *testing.T) {
	b, err := NewBuffer(1000, 100*time.Millisecond, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if b.WindowSize() != 100 {
		t.Fatalf("expected window size 100, got %d", b.WindowSize())
	}

	b.Push(ramp(0, 60))
	if _, ok := b.TakeWindow(); ok {
		t.Fatal("expected no window with 60 samples buffered")
	}

	b.Push(ramp(60, 190))
	w1, ok := b.TakeWindow()
	if !ok {
		t.Fatal("expected first window")
	}
	w2, ok := b.TakeWindow()
	if !ok {
		t.Fatal("expected second window")
	}
	if _, ok := b.TakeWindow(); ok {
		t.Fatal("expected no third window with 50 samples left")
	}

	if w1.Start != 0 || w1.End() != 100 {
		t.Errorf("w1 = [%d, %d), want [0, 100)", w1.Start, w1.End())
	}
	if w2.Start != w1.End() {
		t.Errorf("windows not contiguous: w2.Start=%d w1.End=%d", w2.Start, w1.End())
	}
	if w2.Samples[0] != 100 || w2.Samples[99] != 199 {
		t.Errorf("unexpected w2 contents: first=%d last=%d", w2.Samples[0], w2.Samples[99])
	}
	if w1.Duration() != 0.1 {
		t.Errorf("expected window duration 0.1s, got %v", w1.Duration())
	}
	if b.Read() != 200 {
		t.Errorf("expected read position 200, got %d", b.Read())
	}
}

func TestBuffer_RetainIsMonotonicAndBoundedByRead(t *testing.T) {
	b, _ := NewBuffer(1000, 100*time.Millisecond, time.Second)
	b.Push(ramp(0, 300))
	b.TakeWindow()
	b.TakeWindow()

	b.Retain(150)
	if b.Start() != 150 {
		t.Fatalf("expected start 150, got %d", b.Start())
	}

	b.Retain(50)
	if b.Start() != 150 {
		t.Errorf("retention moved backwards to %d", b.Start())
	}

	b.Retain(1000)
	if b.Start() != 200 {
		t.Errorf("retention passed read position: start=%d read=%d", b.Start(), b.Read())
	}

	got, err := b.Slice(200, 300)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 200 || got[99] != 299 {
		t.Errorf("slice after compaction returned wrong samples: %d..%d", got[0], got[99])
	}
}

func TestBuffer_SliceOutOfRange(t *testing.T) {
	b, _ := NewBuffer(1000, 100*time.Millisecond, time.Second)
	b.Push(ramp(0, 200))
	b.TakeWindow()
	b.Retain(100)

	tests := []struct {
		name     string
		from, to int64
	}{
		{"before start", 50, 150},
		{"after end", 150, 250},
		{"inverted", 180, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Slice(tt.from, tt.to)
			if !errors.Is(err, ErrOutOfRange) {
				t.Errorf("expected ErrOutOfRange, got %v", err)
			}
		})
	}
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	b, _ := NewBuffer(1000, 100*time.Millisecond, 500*time.Millisecond)

	if dropped := b.Push(ramp(0, 400)); dropped != 0 {
		t.Fatalf("unexpected drop of %d samples under cap", dropped)
	}
	dropped := b.Push(ramp(400, 300))
	if dropped != 200 {
		t.Fatalf("expected 200 samples dropped, got %d", dropped)
	}
	if b.Start() != 200 {
		t.Errorf("expected start 200 after overflow, got %d", b.Start())
	}
	if b.Read() != 200 {
		t.Errorf("expected read to skip evicted samples, got %d", b.Read())
	}

	w, ok := b.TakeWindow()
	if !ok {
		t.Fatal("expected window after overflow")
	}
	if w.Samples[0] != 200 {
		t.Errorf("expected first surviving sample 200, got %d", w.Samples[0])
	}

	st := b.Stats()
	if st.DroppedSamples != 200 {
		t.Errorf("expected 200 dropped in stats, got %d", st.DroppedSamples)
	}
	if st.Retained != 500 {
		t.Errorf("expected 500 retained, got %d", st.Retained)
	}
}

func TestBuffer_LongRunStaysBounded(t *testing.T) {
	b, _ := NewBuffer(1000, 100*time.Millisecond, 10*time.Second)

	next := 0
	for i := 0; i < 500; i++ {
		b.Push(ramp(next, 37))
		next += 37
		for {
			w, ok := b.TakeWindow()
			if !ok {
				break
			}
			if int(w.Samples[0]) != int(int16(w.Start)) {
				t.Fatalf("window at %d carries sample %d", w.Start, w.Samples[0])
			}
		}
		b.Retain(b.Read() - 40)
	}

	if st := b.Stats(); st.Retained > 40+b.WindowSize() {
		t.Errorf("retained %d samples, expected at most %d", st.Retained, 40+b.WindowSize())
	}
	if b.Stats().DroppedSamples != 0 {
		t.Errorf("unexpected overflow drops")
	}
}
