package models

import (
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/annosync/pkg/timecode"
)

// Image is a captured still bound to a video reference and a recorded
// timestamp. Its lifecycle is independent of any annotation.
type Image struct {
	ImageReferenceUUID uuid.UUID
	ImagedMomentUUID   uuid.UUID
	VideoReferenceUUID uuid.UUID
	RecordedTimestamp  time.Time
	Timecode           *timecode.Timecode
	ElapsedTime        *time.Duration
	URL                *url.URL
	Format             string
	Width              int
	Height             int
	Description        string
}

func (i Image) Clone() Image {
	c := i
	if i.Timecode != nil {
		tc := *i.Timecode
		c.Timecode = &tc
	}
	c.ElapsedTime = cloneDuration(i.ElapsedTime)
	if i.URL != nil {
		u := *i.URL
		if i.URL.User != nil {
			ui := *i.URL.User
			u.User = &ui
		}
		c.URL = &u
	}
	return c
}

func (i Image) MissingForCreate() []string {
	var missing []string
	if i.VideoReferenceUUID == uuid.Nil {
		missing = append(missing, "video_reference_uuid")
	}
	if i.URL == nil {
		missing = append(missing, "url")
	}
	if i.RecordedTimestamp.IsZero() && i.Timecode == nil && i.ElapsedTime == nil {
		missing = append(missing, "recorded_timestamp|timecode|elapsed_time")
	}
	return missing
}
