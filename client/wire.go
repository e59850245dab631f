package client

import (
	"bytes"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/InsulaLabs/annosync/codec"
	"github.com/InsulaLabs/annosync/pkg/models"
	"github.com/InsulaLabs/annosync/pkg/timecode"
)

// Wire shapes of the annotation service. Fields owned by a codec are kept
// raw and converted explicitly through the registered codec.Set.

type annotationWire struct {
	ObservationUUID      *uuid.UUID        `json:"observation_uuid,omitempty"`
	Concept              string            `json:"concept,omitempty"`
	Observer             string            `json:"observer,omitempty"`
	ObservationTimestamp json.RawMessage   `json:"observation_timestamp,omitempty"`
	VideoReferenceUUID   *uuid.UUID        `json:"video_reference_uuid,omitempty"`
	ImagedMomentUUID     *uuid.UUID        `json:"imaged_moment_uuid,omitempty"`
	Timecode             json.RawMessage   `json:"timecode,omitempty"`
	ElapsedTimeMillis    json.RawMessage   `json:"elapsed_time_millis,omitempty"`
	RecordedTimestamp    json.RawMessage   `json:"recorded_timestamp,omitempty"`
	DurationMillis       json.RawMessage   `json:"duration_millis,omitempty"`
	Group                string            `json:"group,omitempty"`
	Activity             string            `json:"activity,omitempty"`
	Associations         []associationWire `json:"associations,omitempty"`
	ImageReferences      []imageWire       `json:"image_references,omitempty"`
}

type associationWire struct {
	UUID            *uuid.UUID `json:"uuid,omitempty"`
	ObservationUUID *uuid.UUID `json:"observation_uuid,omitempty"`
	LinkName        string     `json:"link_name,omitempty"`
	ToConcept       string     `json:"to_concept,omitempty"`
	LinkValue       string     `json:"link_value,omitempty"`
	MimeType        string     `json:"mime_type,omitempty"`
}

type imageWire struct {
	ImageReferenceUUID *uuid.UUID      `json:"image_reference_uuid,omitempty"`
	ImagedMomentUUID   *uuid.UUID      `json:"imaged_moment_uuid,omitempty"`
	VideoReferenceUUID *uuid.UUID      `json:"video_reference_uuid,omitempty"`
	RecordedTimestamp  json.RawMessage `json:"recorded_timestamp,omitempty"`
	Timecode           json.RawMessage `json:"timecode,omitempty"`
	ElapsedTimeMillis  json.RawMessage `json:"elapsed_time_millis,omitempty"`
	URL                string          `json:"url,omitempty"`
	Format             string          `json:"format,omitempty"`
	Width              int             `json:"width_pixels,omitempty"`
	Height             int             `json:"height_pixels,omitempty"`
	Description        string          `json:"description,omitempty"`
}

type countWire struct {
	VideoReferenceUUID *uuid.UUID `json:"video_reference_uuid,omitempty"`
	Count              *int64     `json:"count"`
}

type authWire struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func idPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func idVal(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func encodeInstant(cs *codec.Set, t time.Time) (json.RawMessage, error) {
	if t.IsZero() {
		return nil, nil
	}
	return cs.Instant.Encode(t)
}

func decodeInstant(cs *codec.Set, raw json.RawMessage) (time.Time, error) {
	if absent(raw) {
		return time.Time{}, nil
	}
	return cs.Instant.Decode(raw)
}

func encodeTimecode(cs *codec.Set, tc *timecode.Timecode) (json.RawMessage, error) {
	if tc == nil {
		return nil, nil
	}
	return cs.Timecode.Encode(*tc)
}

func decodeTimecode(cs *codec.Set, raw json.RawMessage) (*timecode.Timecode, error) {
	if absent(raw) {
		return nil, nil
	}
	tc, err := cs.Timecode.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

func encodeDuration(cs *codec.Set, d *time.Duration) (json.RawMessage, error) {
	if d == nil {
		return nil, nil
	}
	return cs.Duration.Encode(*d)
}

func decodeDuration(cs *codec.Set, raw json.RawMessage) (*time.Duration, error) {
	if absent(raw) {
		return nil, nil
	}
	d, err := cs.Duration.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// annotationToWire builds a request body. Only fields the caller set are
// written; server owned fields and children travel through their own
// endpoints and are left out.
func annotationToWire(cs *codec.Set, a models.Annotation) (annotationWire, error) {
	w := annotationWire{
		ObservationUUID:    idPtr(a.ObservationUUID),
		Concept:            a.Concept,
		Observer:           a.Observer,
		VideoReferenceUUID: idPtr(a.VideoReferenceUUID),
		ImagedMomentUUID:   idPtr(a.ImagedMomentUUID),
		Group:              a.Group,
		Activity:           a.Activity,
	}
	var err error
	if w.RecordedTimestamp, err = encodeInstant(cs, a.RecordedTimestamp); err != nil {
		return w, err
	}
	if w.Timecode, err = encodeTimecode(cs, a.Timecode); err != nil {
		return w, err
	}
	if w.ElapsedTimeMillis, err = encodeDuration(cs, a.ElapsedTime); err != nil {
		return w, err
	}
	if w.DurationMillis, err = encodeDuration(cs, a.Duration); err != nil {
		return w, err
	}
	return w, nil
}

func (w annotationWire) toModel(cs *codec.Set) (models.Annotation, error) {
	a := models.Annotation{
		ObservationUUID:    idVal(w.ObservationUUID),
		VideoReferenceUUID: idVal(w.VideoReferenceUUID),
		ImagedMomentUUID:   idVal(w.ImagedMomentUUID),
		Concept:            w.Concept,
		Observer:           w.Observer,
		Group:              w.Group,
		Activity:           w.Activity,
	}
	var err error
	if a.ObservationTimestamp, err = decodeInstant(cs, w.ObservationTimestamp); err != nil {
		return a, err
	}
	if a.RecordedTimestamp, err = decodeInstant(cs, w.RecordedTimestamp); err != nil {
		return a, err
	}
	if a.Timecode, err = decodeTimecode(cs, w.Timecode); err != nil {
		return a, err
	}
	if a.ElapsedTime, err = decodeDuration(cs, w.ElapsedTimeMillis); err != nil {
		return a, err
	}
	if a.Duration, err = decodeDuration(cs, w.DurationMillis); err != nil {
		return a, err
	}
	if len(w.Associations) > 0 {
		a.Associations = make([]models.Association, len(w.Associations))
		for i, aw := range w.Associations {
			a.Associations[i] = aw.toModel()
		}
	}
	if len(w.ImageReferences) > 0 {
		a.ImageReferences = make([]models.Image, len(w.ImageReferences))
		for i, iw := range w.ImageReferences {
			if a.ImageReferences[i], err = iw.toModel(cs); err != nil {
				return a, err
			}
		}
	}
	return a, nil
}

func annotationsToModels(cs *codec.Set, ws []annotationWire) ([]models.Annotation, error) {
	out := make([]models.Annotation, 0, len(ws))
	for _, w := range ws {
		a, err := w.toModel(cs)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// associationCreateWire fills every absent value with the service sentinels.
func associationCreateWire(as models.Association, observationID uuid.UUID) associationWire {
	as = as.Normalized()
	return associationWire{
		UUID:            idPtr(as.UUID),
		ObservationUUID: idPtr(observationID),
		LinkName:        as.LinkName,
		ToConcept:       as.ToConcept,
		LinkValue:       as.LinkValue,
		MimeType:        as.MimeType,
	}
}

// associationUpdateWire sends only the fields the caller set. An absent link
// value is still written as models.NilValue.
func associationUpdateWire(as models.Association) associationWire {
	w := associationWire{
		UUID:      idPtr(as.UUID),
		LinkName:  as.LinkName,
		ToConcept: as.ToConcept,
		LinkValue: as.LinkValue,
		MimeType:  as.MimeType,
	}
	if w.LinkValue == "" {
		w.LinkValue = models.NilValue
	}
	return w
}

func (w associationWire) toModel() models.Association {
	return models.Association{
		UUID:      idVal(w.UUID),
		LinkName:  w.LinkName,
		ToConcept: w.ToConcept,
		LinkValue: w.LinkValue,
		MimeType:  w.MimeType,
	}
}

func imageToWire(cs *codec.Set, img models.Image) (imageWire, error) {
	w := imageWire{
		ImageReferenceUUID: idPtr(img.ImageReferenceUUID),
		ImagedMomentUUID:   idPtr(img.ImagedMomentUUID),
		VideoReferenceUUID: idPtr(img.VideoReferenceUUID),
		Format:             img.Format,
		Width:              img.Width,
		Height:             img.Height,
		Description:        img.Description,
	}
	if img.URL != nil {
		w.URL = img.URL.String()
	}
	var err error
	if w.RecordedTimestamp, err = encodeInstant(cs, img.RecordedTimestamp); err != nil {
		return w, err
	}
	if w.Timecode, err = encodeTimecode(cs, img.Timecode); err != nil {
		return w, err
	}
	if w.ElapsedTimeMillis, err = encodeDuration(cs, img.ElapsedTime); err != nil {
		return w, err
	}
	return w, nil
}

func (w imageWire) toModel(cs *codec.Set) (models.Image, error) {
	img := models.Image{
		ImageReferenceUUID: idVal(w.ImageReferenceUUID),
		ImagedMomentUUID:   idVal(w.ImagedMomentUUID),
		VideoReferenceUUID: idVal(w.VideoReferenceUUID),
		Format:             w.Format,
		Width:              w.Width,
		Height:             w.Height,
		Description:        w.Description,
	}
	if w.URL != "" {
		u, err := url.Parse(w.URL)
		if err != nil {
			return img, errors.Wrapf(err, "image url %q", w.URL)
		}
		img.URL = u
	}
	var err error
	if img.RecordedTimestamp, err = decodeInstant(cs, w.RecordedTimestamp); err != nil {
		return img, err
	}
	if img.Timecode, err = decodeTimecode(cs, w.Timecode); err != nil {
		return img, err
	}
	if img.ElapsedTime, err = decodeDuration(cs, w.ElapsedTimeMillis); err != nil {
		return img, err
	}
	return img, nil
}

func (w countWire) toModel() (models.AnnotationCount, error) {
	if w.Count == nil {
		return models.AnnotationCount{}, errors.New("count is missing")
	}
	return models.AnnotationCount{
		VideoReferenceUUID: idVal(w.VideoReferenceUUID),
		Count:              *w.Count,
	}, nil
}
