package models

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	mediaURNPrefix   = "urn:rtva:org.mbari:"
	videoNameLayout  = "20060102T150405Z"
	maxCameraIDRunes = 128
)

var (
	ErrCameraIDMissing = errors.New("camera id is missing")
	ErrCameraIDInvalid = errors.New("camera id contains control characters or is too long")
	ErrSequenceInvalid = errors.New("sequence number must not be negative")

	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Media describes one recording session. It is built once and never changes.
type Media struct {
	cameraID          string
	sequenceNumber    int64
	videoSequenceName string
	videoName         string
	startTimestamp    time.Time
	uri               *url.URL
}

// NewMedia derives the session names and URI from a camera id and sequence
// number. Invalid inputs and URI construction failures are errors; there is
// no fallback descriptor.
func NewMedia(cameraID string, sequenceNumber int64, now time.Time) (Media, error) {
	cameraID = strings.TrimSpace(cameraID)
	if cameraID == "" {
		return Media{}, ErrCameraIDMissing
	}
	if len([]rune(cameraID)) > maxCameraIDRunes || strings.IndexFunc(cameraID, unicode.IsControl) >= 0 {
		return Media{}, fmt.Errorf("%w: %q", ErrCameraIDInvalid, cameraID)
	}
	if sequenceNumber < 0 {
		return Media{}, fmt.Errorf("%w: %d", ErrSequenceInvalid, sequenceNumber)
	}

	seqName := cameraID + " " + strconv.FormatInt(sequenceNumber, 10)
	now = now.UTC()

	uri, err := url.Parse(mediaURNPrefix + whitespaceRun.ReplaceAllString(seqName, "_"))
	if err != nil {
		return Media{}, fmt.Errorf("failed to build media uri for %q: %w", seqName, err)
	}

	return Media{
		cameraID:          cameraID,
		sequenceNumber:    sequenceNumber,
		videoSequenceName: seqName,
		videoName:         seqName + " " + now.Format(videoNameLayout),
		startTimestamp:    now,
		uri:               uri,
	}, nil
}

func (m Media) CameraID() string          { return m.cameraID }
func (m Media) SequenceNumber() int64     { return m.sequenceNumber }
func (m Media) VideoSequenceName() string { return m.videoSequenceName }
func (m Media) VideoName() string         { return m.videoName }
func (m Media) StartTimestamp() time.Time { return m.startTimestamp }

// URI returns a copy so callers cannot alter the descriptor.
func (m Media) URI() *url.URL {
	if m.uri == nil {
		return nil
	}
	u := *m.uri
	return &u
}
