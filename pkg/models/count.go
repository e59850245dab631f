package models

import "github.com/google/uuid"

// AnnotationCount is the number of annotations recorded for one video
// reference. It is only ever fetched.
type AnnotationCount struct {
	VideoReferenceUUID uuid.UUID
	Count              int64
}
