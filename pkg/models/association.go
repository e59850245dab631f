package models

import "github.com/google/uuid"

const (
	// NilValue is written in place of an absent link value.
	NilValue = "nil"
	// SelfConcept is written in place of an absent target concept.
	SelfConcept = "self"

	DefaultMimeType = "text/plain"
)

// Association is a typed attribute attached to an annotation. It only exists
// as a child of an annotation; deleting it leaves the parent untouched.
type Association struct {
	UUID      uuid.UUID
	LinkName  string
	ToConcept string
	LinkValue string
	MimeType  string
}

func NewAssociation(linkName, toConcept, linkValue string) Association {
	return Association{
		LinkName:  linkName,
		ToConcept: toConcept,
		LinkValue: linkValue,
		MimeType:  DefaultMimeType,
	}
}

// Normalized fills absent values with the sentinels the service expects.
func (a Association) Normalized() Association {
	if a.LinkValue == "" {
		a.LinkValue = NilValue
	}
	if a.ToConcept == "" {
		a.ToConcept = SelfConcept
	}
	if a.MimeType == "" {
		a.MimeType = DefaultMimeType
	}
	return a
}

func (a Association) Clone() Association {
	return a
}

// String renders the association the way annotators read it:
// "link_name | to_concept | link_value".
func (a Association) String() string {
	return a.LinkName + " | " + a.ToConcept + " | " + a.LinkValue
}
