package client

import (
	"context"
	"net/http"
	"path"

	"github.com/google/uuid"

	"github.com/InsulaLabs/annosync/pkg/models"
)

// Operation names, used in errors and logs.
const (
	OpFindAnnotations      = "find annotations"
	OpCountAnnotations     = "count annotations"
	OpCreateAnnotation     = "create annotation"
	OpUpdateAnnotation     = "update annotation"
	OpDeleteAnnotation     = "delete annotation"
	OpFindByUUID           = "find annotation"
	OpCreateAssociation    = "create association"
	OpUpdateAssociation    = "update association"
	OpDeleteAssociation    = "delete association"
	OpFindAssociation      = "find association"
	OpCreateImage          = "create image"
	OpDeleteImage          = "delete image"
	OpFindByImageReference = "find annotations by image"
)

// Page bounds a listing. Nil fields are left to the server.
type Page struct {
	Limit  *int64 `url:"limit,omitempty"`
	Offset *int64 `url:"offset,omitempty"`
}

// NewPage returns a page; negative values are treated as unset.
func NewPage(limit, offset int64) *Page {
	p := &Page{}
	if limit >= 0 {
		p.Limit = &limit
	}
	if offset >= 0 {
		p.Offset = &offset
	}
	return p
}

// Annotations is the typed proxy for the annotation resources. Methods block
// until the service answers; asynchrony is layered on top by package anno.
type Annotations struct {
	c *Client
}

func (c *Client) Annotations() *Annotations {
	return &Annotations{c: c}
}

func resource(parts ...string) string {
	return path.Join(parts...)
}

func requireID(op string, id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return &ValidationError{Op: op, Fields: []string{field}}
	}
	return nil
}

// ValidateCreateAnnotation checks the fields a new annotation must carry.
func ValidateCreateAnnotation(a models.Annotation) error {
	if missing := a.MissingForCreate(); len(missing) > 0 {
		return &ValidationError{Op: OpCreateAnnotation, Fields: missing}
	}
	return nil
}

func ValidateUpdateAnnotation(a models.Annotation) error {
	return requireID(OpUpdateAnnotation, a.ObservationUUID, "observation_uuid")
}

func ValidateCreateAssociation(observationID uuid.UUID, as models.Association) error {
	var missing []string
	if observationID == uuid.Nil {
		missing = append(missing, "observation_uuid")
	}
	if as.LinkName == "" {
		missing = append(missing, "link_name")
	}
	if len(missing) > 0 {
		return &ValidationError{Op: OpCreateAssociation, Fields: missing}
	}
	return nil
}

func ValidateUpdateAssociation(as models.Association) error {
	return requireID(OpUpdateAssociation, as.UUID, "uuid")
}

func ValidateCreateImage(img models.Image) error {
	if missing := img.MissingForCreate(); len(missing) > 0 {
		return &ValidationError{Op: OpCreateImage, Fields: missing}
	}
	return nil
}

// ValidateID rejects the zero identifier for operations addressed by id.
func ValidateID(op string, id uuid.UUID) error {
	return requireID(op, id, "uuid")
}

// FindByVideoReference lists the annotations of a video. A known video with
// no annotations yields an empty slice; an unknown one a *NotFoundError.
func (p *Annotations) FindByVideoReference(ctx context.Context, videoRef uuid.UUID, page *Page) ([]models.Annotation, error) {
	if err := ValidateID(OpFindAnnotations, videoRef); err != nil {
		return nil, err
	}
	id := videoRef.String()
	var ws []annotationWire
	cl := call{
		op:     OpFindAnnotations,
		id:     id,
		method: http.MethodGet,
		path:   resource("annotations", "videoreference", id),
		target: &ws,
	}
	if page != nil {
		cl.query = page
	}
	if _, err := p.c.do(ctx, cl); err != nil {
		return nil, err
	}
	out, err := annotationsToModels(p.c.codecs, ws)
	if err != nil {
		return nil, &DecodeError{Op: OpFindAnnotations, ID: id, Err: err}
	}
	return out, nil
}

func (p *Annotations) Count(ctx context.Context, videoRef uuid.UUID) (models.AnnotationCount, error) {
	if err := ValidateID(OpCountAnnotations, videoRef); err != nil {
		return models.AnnotationCount{}, err
	}
	id := videoRef.String()
	var w countWire
	if _, err := p.c.do(ctx, call{
		op:     OpCountAnnotations,
		id:     id,
		method: http.MethodGet,
		path:   resource("observations", "videoreference", "count", id),
		target: &w,
	}); err != nil {
		return models.AnnotationCount{}, err
	}
	count, err := w.toModel()
	if err != nil {
		return models.AnnotationCount{}, &DecodeError{Op: OpCountAnnotations, ID: id, Err: err}
	}
	if count.VideoReferenceUUID == uuid.Nil {
		count.VideoReferenceUUID = videoRef
	}
	return count, nil
}

func (p *Annotations) Create(ctx context.Context, a models.Annotation) (models.Annotation, error) {
	if err := ValidateCreateAnnotation(a); err != nil {
		return models.Annotation{}, err
	}
	body, err := annotationToWire(p.c.codecs, a)
	if err != nil {
		return models.Annotation{}, &ValidationError{Op: OpCreateAnnotation, Reason: err.Error()}
	}
	return p.sendAnnotation(ctx, OpCreateAnnotation, "", http.MethodPost, "annotations", body)
}

// Update sends the fields set on a. Unset fields are left untouched by the
// service.
func (p *Annotations) Update(ctx context.Context, a models.Annotation) (models.Annotation, error) {
	if err := ValidateUpdateAnnotation(a); err != nil {
		return models.Annotation{}, err
	}
	id := a.ObservationUUID.String()
	body, err := annotationToWire(p.c.codecs, a)
	if err != nil {
		return models.Annotation{}, &ValidationError{Op: OpUpdateAnnotation, ID: id, Reason: err.Error()}
	}
	return p.sendAnnotation(ctx, OpUpdateAnnotation, id, http.MethodPut, resource("annotations", id), body)
}

func (p *Annotations) sendAnnotation(ctx context.Context, op, id, method, resPath string, body annotationWire) (models.Annotation, error) {
	var w annotationWire
	if _, err := p.c.do(ctx, call{op: op, id: id, method: method, path: resPath, body: body, target: &w}); err != nil {
		return models.Annotation{}, err
	}
	a, err := w.toModel(p.c.codecs)
	if err != nil {
		return models.Annotation{}, &DecodeError{Op: op, ID: id, Err: err}
	}
	return a, nil
}

// Delete removes an annotation. Deleting an unknown annotation succeeds with
// deleted set to false.
func (p *Annotations) Delete(ctx context.Context, observationID uuid.UUID) (deleted bool, err error) {
	return p.remove(ctx, OpDeleteAnnotation, observationID, "observations")
}

// FindByUUID returns nil, nil when the service does not know id.
func (p *Annotations) FindByUUID(ctx context.Context, observationID uuid.UUID) (*models.Annotation, error) {
	if err := ValidateID(OpFindByUUID, observationID); err != nil {
		return nil, err
	}
	id := observationID.String()
	var w annotationWire
	found, err := p.c.do(ctx, call{
		op:        OpFindByUUID,
		id:        id,
		method:    http.MethodGet,
		path:      resource("annotations", id),
		target:    &w,
		missingOK: true,
	})
	if err != nil || !found {
		return nil, err
	}
	a, err := w.toModel(p.c.codecs)
	if err != nil {
		return nil, &DecodeError{Op: OpFindByUUID, ID: id, Err: err}
	}
	return &a, nil
}

// CreateAssociation attaches as to the annotation observationID. Absent
// values are sent as the service sentinels (see models.Association.Normalized).
func (p *Annotations) CreateAssociation(ctx context.Context, observationID uuid.UUID, as models.Association) (models.Association, error) {
	if err := ValidateCreateAssociation(observationID, as); err != nil {
		return models.Association{}, err
	}
	id := observationID.String()
	var w associationWire
	if _, err := p.c.do(ctx, call{
		op:     OpCreateAssociation,
		id:     id,
		method: http.MethodPost,
		path:   "associations",
		body:   associationCreateWire(as, observationID),
		target: &w,
	}); err != nil {
		return models.Association{}, err
	}
	return w.toModel(), nil
}

func (p *Annotations) UpdateAssociation(ctx context.Context, as models.Association) (models.Association, error) {
	if err := ValidateUpdateAssociation(as); err != nil {
		return models.Association{}, err
	}
	id := as.UUID.String()
	var w associationWire
	if _, err := p.c.do(ctx, call{
		op:     OpUpdateAssociation,
		id:     id,
		method: http.MethodPut,
		path:   resource("associations", id),
		body:   associationUpdateWire(as),
		target: &w,
	}); err != nil {
		return models.Association{}, err
	}
	return w.toModel(), nil
}

func (p *Annotations) DeleteAssociation(ctx context.Context, associationID uuid.UUID) (deleted bool, err error) {
	return p.remove(ctx, OpDeleteAssociation, associationID, "associations")
}

// FindAssociation returns nil, nil when the association does not exist.
func (p *Annotations) FindAssociation(ctx context.Context, associationID uuid.UUID) (*models.Association, error) {
	if err := ValidateID(OpFindAssociation, associationID); err != nil {
		return nil, err
	}
	id := associationID.String()
	var w associationWire
	found, err := p.c.do(ctx, call{
		op:        OpFindAssociation,
		id:        id,
		method:    http.MethodGet,
		path:      resource("associations", id),
		target:    &w,
		missingOK: true,
	})
	if err != nil || !found {
		return nil, err
	}
	as := w.toModel()
	return &as, nil
}

func (p *Annotations) CreateImage(ctx context.Context, img models.Image) (models.Image, error) {
	if err := ValidateCreateImage(img); err != nil {
		return models.Image{}, err
	}
	body, err := imageToWire(p.c.codecs, img)
	if err != nil {
		return models.Image{}, &ValidationError{Op: OpCreateImage, Reason: err.Error()}
	}
	var w imageWire
	if _, err := p.c.do(ctx, call{
		op:     OpCreateImage,
		method: http.MethodPost,
		path:   "images",
		body:   body,
		target: &w,
	}); err != nil {
		return models.Image{}, err
	}
	out, err := w.toModel(p.c.codecs)
	if err != nil {
		return models.Image{}, &DecodeError{Op: OpCreateImage, Err: err}
	}
	return out, nil
}

func (p *Annotations) DeleteImage(ctx context.Context, imageRefID uuid.UUID) (deleted bool, err error) {
	return p.remove(ctx, OpDeleteImage, imageRefID, "imagereferences")
}

// FindByImageReference lists the annotations sharing the imaged moment of
// an image reference.
func (p *Annotations) FindByImageReference(ctx context.Context, imageRefID uuid.UUID) ([]models.Annotation, error) {
	if err := ValidateID(OpFindByImageReference, imageRefID); err != nil {
		return nil, err
	}
	id := imageRefID.String()
	var ws []annotationWire
	if _, err := p.c.do(ctx, call{
		op:     OpFindByImageReference,
		id:     id,
		method: http.MethodGet,
		path:   resource("annotations", "imagereference", id),
		target: &ws,
	}); err != nil {
		return nil, err
	}
	out, err := annotationsToModels(p.c.codecs, ws)
	if err != nil {
		return nil, &DecodeError{Op: OpFindByImageReference, ID: id, Err: err}
	}
	return out, nil
}

// remove issues a DELETE that treats a 404 as success. found reports whether
// the service had anything to remove.
func (p *Annotations) remove(ctx context.Context, op string, id uuid.UUID, collection string) (found bool, err error) {
	if err := ValidateID(op, id); err != nil {
		return false, err
	}
	s := id.String()
	return p.c.do(ctx, call{
		op:        op,
		id:        s,
		method:    http.MethodDelete,
		path:      resource(collection, s),
		missingOK: true,
	})
}
