package timecode

/*
	Frame-accurate video positions in the canonical "HH:MM:SS:FF" form.
	Drop-frame timecodes use ';' as the frame separator ("HH:MM:SS;FF").
	The canonical string form is the only accepted input; there is no
	best-effort parsing of variants.
*/

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed  = errors.New("malformed timecode")
	ErrOutOfRange = errors.New("timecode field out of range")
	ErrFrameRate  = errors.New("frame rate must be positive")
)

type Timecode struct {
	Hours     int
	Minutes   int
	Seconds   int
	Frames    int
	DropFrame bool
}

// Parse reads a timecode in canonical form.
func Parse(s string) (Timecode, error) {
	if len(s) != 11 {
		return Timecode{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if s[2] != ':' || s[5] != ':' || (s[8] != ':' && s[8] != ';') {
		return Timecode{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	var fields [4]int
	for i := range fields {
		v, ok := twoDigits(s[i*3 : i*3+2])
		if !ok {
			return Timecode{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		fields[i] = v
	}

	tc := Timecode{
		Hours:     fields[0],
		Minutes:   fields[1],
		Seconds:   fields[2],
		Frames:    fields[3],
		DropFrame: s[8] == ';',
	}
	if err := tc.Validate(); err != nil {
		return Timecode{}, err
	}
	return tc, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Timecode {
	tc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return tc
}

func (t Timecode) Validate() error {
	switch {
	case t.Hours < 0 || t.Hours > 99:
		return fmt.Errorf("%w: hours %d", ErrOutOfRange, t.Hours)
	case t.Minutes < 0 || t.Minutes > 59:
		return fmt.Errorf("%w: minutes %d", ErrOutOfRange, t.Minutes)
	case t.Seconds < 0 || t.Seconds > 59:
		return fmt.Errorf("%w: seconds %d", ErrOutOfRange, t.Seconds)
	case t.Frames < 0 || t.Frames > 99:
		return fmt.Errorf("%w: frames %d", ErrOutOfRange, t.Frames)
	}
	return nil
}

func (t Timecode) String() string {
	sep := ':'
	if t.DropFrame {
		sep = ';'
	}
	return fmt.Sprintf("%02d:%02d:%02d%c%02d", t.Hours, t.Minutes, t.Seconds, sep, t.Frames)
}

// FrameCount returns the absolute frame number at a nominal integer frame rate.
// Drop-frame compensation is not applied.
func (t Timecode) FrameCount(frameRate int) (int64, error) {
	if frameRate <= 0 {
		return 0, ErrFrameRate
	}
	secs := int64(t.Hours)*3600 + int64(t.Minutes)*60 + int64(t.Seconds)
	return secs*int64(frameRate) + int64(t.Frames), nil
}

// FromFrameCount is the inverse of FrameCount.
func FromFrameCount(frames int64, frameRate int) (Timecode, error) {
	if frameRate <= 0 {
		return Timecode{}, ErrFrameRate
	}
	if frames < 0 {
		return Timecode{}, fmt.Errorf("%w: negative frame count %d", ErrOutOfRange, frames)
	}
	rate := int64(frameRate)
	secs := frames / rate
	tc := Timecode{
		Hours:   int(secs / 3600),
		Minutes: int(secs/60) % 60,
		Seconds: int(secs % 60),
		Frames:  int(frames % rate),
	}
	if err := tc.Validate(); err != nil {
		return Timecode{}, err
	}
	return tc, nil
}

func twoDigits(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}
