package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/annosync/pkg/timecode"
)

// Annotation is a timestamped observation of a concept within a video.
//
// ObservationUUID, ImagedMomentUUID and ObservationTimestamp are assigned by
// the annotation service. RecordedTimestamp is owned by the caller and is
// never rewritten by the service. Zero values mean "not set"; the optional
// video positions are pointers because zero is a meaningful position.
type Annotation struct {
	ObservationUUID      uuid.UUID
	VideoReferenceUUID   uuid.UUID
	ImagedMomentUUID     uuid.UUID
	Concept              string
	Observer             string
	ObservationTimestamp time.Time
	RecordedTimestamp    time.Time
	Timecode             *timecode.Timecode
	ElapsedTime          *time.Duration
	Duration             *time.Duration
	Activity             string
	Group                string
	Associations         []Association
	ImageReferences      []Image
}

// Clone returns a deep copy that shares no mutable state with a.
func (a Annotation) Clone() Annotation {
	c := a
	if a.Timecode != nil {
		tc := *a.Timecode
		c.Timecode = &tc
	}
	c.ElapsedTime = cloneDuration(a.ElapsedTime)
	c.Duration = cloneDuration(a.Duration)
	c.Associations = slices.Clone(a.Associations)
	if a.ImageReferences != nil {
		c.ImageReferences = make([]Image, len(a.ImageReferences))
		for i, img := range a.ImageReferences {
			c.ImageReferences[i] = img.Clone()
		}
	}
	return c
}

// MissingForCreate names the fields a new annotation must carry.
func (a Annotation) MissingForCreate() []string {
	var missing []string
	if a.VideoReferenceUUID == uuid.Nil {
		missing = append(missing, "video_reference_uuid")
	}
	if a.Concept == "" {
		missing = append(missing, "concept")
	}
	if a.Observer == "" {
		missing = append(missing, "observer")
	}
	if a.RecordedTimestamp.IsZero() {
		missing = append(missing, "recorded_timestamp")
	}
	return missing
}

// FindAssociation returns the association with the given identifier.
func (a Annotation) FindAssociation(id uuid.UUID) (Association, bool) {
	for _, as := range a.Associations {
		if as.UUID == id {
			return as, true
		}
	}
	return Association{}, false
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
