package codec

/*
	Converters between the annotation service's wire representations and
	the domain value types that plain JSON cannot carry on its own.

	Each converter owns exactly one canonical wire form. Decoding anything
	else fails with a *DecodeError; nothing is substituted silently.
*/

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/annosync/pkg/timecode"
)

const instantBase = "2006-01-02T15:04:05"

const (
	NameDuration = "duration"
	NameTimecode = "timecode"
	NameBytes    = "bytes"
	NameInstant  = "instant"
)

var (
	ErrNotString  = errors.New("expected a JSON string")
	ErrNotInteger = errors.New("expected a JSON integer")
	ErrNotUTC     = errors.New("instant must be UTC with a literal Z suffix")
	ErrFraction   = errors.New("instant fraction must have 3, 6 or 9 digits")
	ErrOverflow   = errors.New("value out of range")
)

type DecodeError struct {
	Codec string
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s from %s: %v", e.Codec, e.Input, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(name string, raw json.RawMessage, err error) *DecodeError {
	in := string(raw)
	if len(in) > 64 {
		in = in[:64] + "..."
	}
	return &DecodeError{Codec: name, Input: in, Err: err}
}

// Codec is a named pair of converters for a single domain type.
type Codec[T any] struct {
	Name   string
	Encode func(T) (json.RawMessage, error)
	Decode func(json.RawMessage) (T, error)
}

// Set is the fixed table of codecs the transport layer consults when
// building and reading request bodies.
type Set struct {
	Duration Codec[time.Duration]
	Timecode Codec[timecode.Timecode]
	Bytes    Codec[[]byte]
	Instant  Codec[time.Time]
}

func NewSet() *Set {
	return &Set{
		Duration: Codec[time.Duration]{Name: NameDuration, Encode: EncodeDuration, Decode: DecodeDuration},
		Timecode: Codec[timecode.Timecode]{Name: NameTimecode, Encode: EncodeTimecode, Decode: DecodeTimecode},
		Bytes:    Codec[[]byte]{Name: NameBytes, Encode: EncodeBytes, Decode: DecodeBytes},
		Instant:  Codec[time.Time]{Name: NameInstant, Encode: EncodeInstant, Decode: DecodeInstant},
	}
}

// Names lists the registered codecs in table order.
func (s *Set) Names() []string {
	return []string{s.Duration.Name, s.Timecode.Name, s.Bytes.Name, s.Instant.Name}
}

// EncodeDuration writes whole milliseconds as a JSON integer. Sub-millisecond
// precision is truncated; the service stores milliseconds.
func EncodeDuration(d time.Duration) (json.RawMessage, error) {
	return json.RawMessage(strconv.FormatInt(d.Milliseconds(), 10)), nil
}

func DecodeDuration(raw json.RawMessage) (time.Duration, error) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || s[0] == '+' || strings.ContainsAny(s, ".eE\"") {
		return 0, decodeErr(NameDuration, raw, ErrNotInteger)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, decodeErr(NameDuration, raw, ErrNotInteger)
	}
	if ms > math.MaxInt64/int64(time.Millisecond) || ms < math.MinInt64/int64(time.Millisecond) {
		return 0, decodeErr(NameDuration, raw, ErrOverflow)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func EncodeTimecode(tc timecode.Timecode) (json.RawMessage, error) {
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", NameTimecode, err)
	}
	return json.Marshal(tc.String())
}

func DecodeTimecode(raw json.RawMessage) (timecode.Timecode, error) {
	s, err := jsonString(raw)
	if err != nil {
		return timecode.Timecode{}, decodeErr(NameTimecode, raw, err)
	}
	tc, err := timecode.Parse(s)
	if err != nil {
		return timecode.Timecode{}, decodeErr(NameTimecode, raw, err)
	}
	return tc, nil
}

func EncodeBytes(b []byte) (json.RawMessage, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func DecodeBytes(raw json.RawMessage) ([]byte, error) {
	s, err := jsonString(raw)
	if err != nil {
		return nil, decodeErr(NameBytes, raw, err)
	}
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, decodeErr(NameBytes, raw, err)
	}
	return b, nil
}

// EncodeInstant writes yyyy-MM-ddTHH:mm:ssZ, adding a fractional part in
// groups of three digits only when the instant has sub-second precision.
func EncodeInstant(t time.Time) (json.RawMessage, error) {
	t = t.UTC()
	if t.Year() < 0 || t.Year() > 9999 {
		return nil, fmt.Errorf("encode %s: %w: year %d", NameInstant, ErrOverflow, t.Year())
	}
	return json.Marshal(FormatInstant(t))
}

func FormatInstant(t time.Time) string {
	t = t.UTC()
	base := t.Format(instantBase)
	ns := t.Nanosecond()
	switch {
	case ns == 0:
		return base + "Z"
	case ns%int(time.Millisecond) == 0:
		return fmt.Sprintf("%s.%03dZ", base, ns/int(time.Millisecond))
	case ns%int(time.Microsecond) == 0:
		return fmt.Sprintf("%s.%06dZ", base, ns/int(time.Microsecond))
	default:
		return fmt.Sprintf("%s.%09dZ", base, ns)
	}
}

func DecodeInstant(raw json.RawMessage) (time.Time, error) {
	s, err := jsonString(raw)
	if err != nil {
		return time.Time{}, decodeErr(NameInstant, raw, err)
	}
	if !strings.HasSuffix(s, "Z") || len(s) < 20 || s[10] != 'T' {
		return time.Time{}, decodeErr(NameInstant, raw, ErrNotUTC)
	}
	frac := s[len(instantBase) : len(s)-1]
	if frac != "" && (frac[0] != '.' || strings.TrimLeft(frac[1:], "0123456789") != "") {
		return time.Time{}, decodeErr(NameInstant, raw, ErrFraction)
	}
	var layout string
	switch len(frac) {
	case 0:
		layout = instantBase + "Z"
	case 4:
		layout = instantBase + ".000Z"
	case 7:
		layout = instantBase + ".000000Z"
	case 10:
		layout = instantBase + ".000000000Z"
	default:
		return time.Time{}, decodeErr(NameInstant, raw, ErrFraction)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, decodeErr(NameInstant, raw, err)
	}
	return t.UTC(), nil
}

func jsonString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '"' {
		return "", ErrNotString
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", err
	}
	return s, nil
}
