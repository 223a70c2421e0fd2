package segment

import (
	"errors"
	"fmt"
	"time"

	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/turn"
)

// Errors returned by Assemble.
var (
	ErrEmptySegment   = errors.New("utterance has no samples")
	ErrSegmentEvicted = errors.New("utterance audio no longer retained")
)

// Utterance is a padded speech segment. Offsets are absolute samples.
// Start/End bound the padded audio; SpeechStart/SpeechEnd bound the
// detected speech.
type Utterance struct {
	ID          string
	SessionID   string
	Samples     []int16
	SampleRate  int
	Start       int64
	End         int64
	SpeechStart int64
	SpeechEnd   int64
	Reason      turn.EndReason
	FinalizedAt time.Time
}

// Duration returns the padded length.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(u.Samples)) * int64(time.Second) / int64(u.SampleRate))
}

// OffsetMs returns the padded start as milliseconds since session start.
func (u Utterance) OffsetMs() int64 {
	if u.SampleRate <= 0 {
		return 0
	}
	return u.Start * 1000 / int64(u.SampleRate)
}

// Assembler cuts utterances out of a session buffer.
type Assembler struct {
	ids *Generator
	pad int64
}

// NewAssembler creates an assembler applying pad samples on each side.
func NewAssembler(ids *Generator, pad int64) *Assembler {
	if ids == nil {
		ids = New()
	}
	return &Assembler{ids: ids, pad: pad}
}

// Assemble copies [run.Start-pad, run.End+pad), clipped to what the
// buffer holds, and advances the buffer's retention watermark past the
// consumed audio. Pad history behind the read position stays retained
// for the next run.
func (a *Assembler) Assemble(sessionID string, buf *audio.Buffer, run turn.Run) (Utterance, error) {
	if run.End <= run.Start {
		return Utterance{}, fmt.Errorf("%w: run [%d, %d)", ErrEmptySegment, run.Start, run.End)
	}

	from := run.Start - a.pad
	if from < buf.Start() {
		from = buf.Start()
	}
	to := run.End + a.pad
	if to > buf.End() {
		to = buf.End()
	}
	if to <= from {
		return Utterance{}, fmt.Errorf("%w: run [%d, %d), buffer [%d, %d)",
			ErrSegmentEvicted, run.Start, run.End, buf.Start(), buf.End())
	}

	samples, err := buf.Slice(from, to)
	if err != nil {
		return Utterance{}, fmt.Errorf("%w: %v", ErrSegmentEvicted, err)
	}

	watermark := to
	if keep := buf.Read() - a.pad; keep < watermark {
		watermark = keep
	}
	buf.Retain(watermark)

	return Utterance{
		ID:          a.ids.Next(sessionID),
		SessionID:   sessionID,
		Samples:     samples,
		SampleRate:  buf.SampleRate(),
		Start:       from,
		End:         to,
		SpeechStart: run.Start,
		SpeechEnd:   run.End,
		Reason:      run.Reason,
		FinalizedAt: time.Now(),
	}, nil
}
