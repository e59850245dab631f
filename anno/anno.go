// Package anno is the asynchronous annotation service used by review tools.
// Every operation runs on a bounded worker pool and returns a future;
// successful mutations are announced on the event bus once the remote
// service has confirmed them.
package anno

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/InsulaLabs/annosync/client"
	"github.com/InsulaLabs/annosync/internal/async"
	"github.com/InsulaLabs/annosync/pkg/events"
	"github.com/InsulaLabs/annosync/pkg/models"
)

type Config struct {
	Client *client.Client
	// Bus defaults to events.Default().
	Bus     events.Bus
	Workers int
	// Source tags published events and must be comparable. Defaults to the
	// service itself.
	Source any
	Logger *slog.Logger
}

type Service struct {
	client *client.Client
	annos  *client.Annotations
	bus    events.Bus
	pool   *async.Pool
	source any
	logger *slog.Logger
}

func New(cfg *Config) (*Service, error) {
	if cfg.Client == nil {
		return nil, ErrClientMissing
	}
	if !events.Comparable(cfg.Source) {
		return nil, ErrSourceNotComparable
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.Default()
	}

	s := &Service{
		client: cfg.Client,
		annos:  cfg.Client.Annotations(),
		bus:    bus,
		pool:   async.NewPool(async.Config{Workers: cfg.Workers, Logger: logger}),
		source: cfg.Source,
		logger: logger.WithGroup("anno"),
	}
	if s.source == nil {
		s.source = s
	}
	return s, nil
}

// Source is the token carried by events this service publishes.
func (s *Service) Source() any { return s.source }

func (s *Service) Bus() events.Bus { return s.bus }

func (s *Service) Client() *client.Client { return s.client }

// Close waits for scheduled operations and rejects new ones.
func (s *Service) Close() {
	s.pool.Close()
}

// announce publishes a change. A slow or failed dispatch is logged and does
// not fail the operation that was already confirmed remotely.
func announce[T events.Cloner[T]](ctx context.Context, s *Service, action events.Action, items ...T) {
	ev := events.Changed(s.source, action, items...)
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish change", "event_id", ev.EventID, "action", action, "error", err)
	}
}

func (s *Service) FindAnnotations(videoRef uuid.UUID) (*async.Future[[]models.Annotation], error) {
	return s.findAnnotations(videoRef, nil)
}

// FindAnnotationsPage lists at most limit annotations starting at offset.
// Negative values are left to the server.
func (s *Service) FindAnnotationsPage(videoRef uuid.UUID, limit, offset int64) (*async.Future[[]models.Annotation], error) {
	return s.findAnnotations(videoRef, client.NewPage(limit, offset))
}

func (s *Service) findAnnotations(videoRef uuid.UUID, page *client.Page) (*async.Future[[]models.Annotation], error) {
	if err := client.ValidateID(client.OpFindAnnotations, videoRef); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) ([]models.Annotation, error) {
		out, err := s.annos.FindByVideoReference(ctx, videoRef, page)
		if err != nil {
			return nil, translateError(err)
		}
		s.logger.Debug("Found annotations", "video_reference_uuid", videoRef, "count", len(out))
		return out, nil
	})
}

func (s *Service) CountAnnotations(videoRef uuid.UUID) (*async.Future[models.AnnotationCount], error) {
	if err := client.ValidateID(client.OpCountAnnotations, videoRef); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (models.AnnotationCount, error) {
		count, err := s.annos.Count(ctx, videoRef)
		return count, translateError(err)
	})
}

func (s *Service) CreateAnnotation(a models.Annotation) (*async.Future[models.Annotation], error) {
	if err := client.ValidateCreateAnnotation(a); err != nil {
		return nil, err
	}
	a = a.Clone()
	return async.Go(s.pool, func(ctx context.Context) (models.Annotation, error) {
		created, err := s.annos.Create(ctx, a)
		if err != nil {
			return models.Annotation{}, translateError(err)
		}
		s.logger.Info("Created annotation", "observation_uuid", created.ObservationUUID, "concept", created.Concept)
		announce(ctx, s, events.ActionCreated, created)
		return created, nil
	})
}

// UpdateAnnotation sends the fields set on a. Identifiers are never changed
// by an update.
func (s *Service) UpdateAnnotation(a models.Annotation) (*async.Future[models.Annotation], error) {
	if err := client.ValidateUpdateAnnotation(a); err != nil {
		return nil, err
	}
	a = a.Clone()
	return async.Go(s.pool, func(ctx context.Context) (models.Annotation, error) {
		updated, err := s.annos.Update(ctx, a)
		if err != nil {
			return models.Annotation{}, translateError(err)
		}
		s.logger.Info("Updated annotation", "observation_uuid", updated.ObservationUUID)
		announce(ctx, s, events.ActionUpdated, updated)
		return updated, nil
	})
}

// DeleteAnnotation succeeds whether or not the annotation still exists. A
// change event is published only when something was removed.
func (s *Service) DeleteAnnotation(observationID uuid.UUID) (*async.Future[struct{}], error) {
	if err := client.ValidateID(client.OpDeleteAnnotation, observationID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (struct{}, error) {
		deleted, err := s.annos.Delete(ctx, observationID)
		if err != nil {
			return struct{}{}, translateError(err)
		}
		if !deleted {
			s.logger.Debug("Nothing to delete", "observation_uuid", observationID)
			return struct{}{}, nil
		}
		s.logger.Info("Deleted annotation", "observation_uuid", observationID)
		announce(ctx, s, events.ActionDeleted, models.Annotation{ObservationUUID: observationID})
		return struct{}{}, nil
	})
}

// FindByUUID resolves to nil when the annotation does not exist.
func (s *Service) FindByUUID(observationID uuid.UUID) (*async.Future[*models.Annotation], error) {
	if err := client.ValidateID(client.OpFindByUUID, observationID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (*models.Annotation, error) {
		a, err := s.annos.FindByUUID(ctx, observationID)
		return a, translateError(err)
	})
}

// CreateAssociation attaches as to an existing annotation. An empty link
// value is stored as models.NilValue.
func (s *Service) CreateAssociation(observationID uuid.UUID, as models.Association) (*async.Future[models.Association], error) {
	if err := client.ValidateCreateAssociation(observationID, as); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (models.Association, error) {
		created, err := s.annos.CreateAssociation(ctx, observationID, as)
		if err != nil {
			return models.Association{}, translateError(err)
		}
		s.logger.Info("Created association", "observation_uuid", observationID, "association_uuid", created.UUID, "association", created.String())
		announce(ctx, s, events.ActionCreated, created)
		return created, nil
	})
}

func (s *Service) UpdateAssociation(as models.Association) (*async.Future[models.Association], error) {
	if err := client.ValidateUpdateAssociation(as); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (models.Association, error) {
		updated, err := s.annos.UpdateAssociation(ctx, as)
		if err != nil {
			return models.Association{}, translateError(err)
		}
		s.logger.Info("Updated association", "association_uuid", updated.UUID)
		announce(ctx, s, events.ActionUpdated, updated)
		return updated, nil
	})
}

func (s *Service) DeleteAssociation(associationID uuid.UUID) (*async.Future[struct{}], error) {
	if err := client.ValidateID(client.OpDeleteAssociation, associationID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (struct{}, error) {
		deleted, err := s.annos.DeleteAssociation(ctx, associationID)
		if err != nil {
			return struct{}{}, translateError(err)
		}
		if !deleted {
			s.logger.Debug("Nothing to delete", "association_uuid", associationID)
			return struct{}{}, nil
		}
		s.logger.Info("Deleted association", "association_uuid", associationID)
		announce(ctx, s, events.ActionDeleted, models.Association{UUID: associationID})
		return struct{}{}, nil
	})
}

// FindAssociation resolves to nil when the association does not exist.
func (s *Service) FindAssociation(associationID uuid.UUID) (*async.Future[*models.Association], error) {
	if err := client.ValidateID(client.OpFindAssociation, associationID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (*models.Association, error) {
		as, err := s.annos.FindAssociation(ctx, associationID)
		return as, translateError(err)
	})
}

func (s *Service) CreateImage(img models.Image) (*async.Future[models.Image], error) {
	if err := client.ValidateCreateImage(img); err != nil {
		return nil, err
	}
	img = img.Clone()
	return async.Go(s.pool, func(ctx context.Context) (models.Image, error) {
		created, err := s.annos.CreateImage(ctx, img)
		if err != nil {
			return models.Image{}, translateError(err)
		}
		s.logger.Info("Created image", "image_reference_uuid", created.ImageReferenceUUID, "url", created.URL)
		announce(ctx, s, events.ActionCreated, created)
		return created, nil
	})
}

func (s *Service) DeleteImage(imageRefID uuid.UUID) (*async.Future[struct{}], error) {
	if err := client.ValidateID(client.OpDeleteImage, imageRefID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) (struct{}, error) {
		deleted, err := s.annos.DeleteImage(ctx, imageRefID)
		if err != nil {
			return struct{}{}, translateError(err)
		}
		if !deleted {
			s.logger.Debug("Nothing to delete", "image_reference_uuid", imageRefID)
			return struct{}{}, nil
		}
		s.logger.Info("Deleted image", "image_reference_uuid", imageRefID)
		announce(ctx, s, events.ActionDeleted, models.Image{ImageReferenceUUID: imageRefID})
		return struct{}{}, nil
	})
}

func (s *Service) FindByImageReference(imageRefID uuid.UUID) (*async.Future[[]models.Annotation], error) {
	if err := client.ValidateID(client.OpFindByImageReference, imageRefID); err != nil {
		return nil, err
	}
	return async.Go(s.pool, func(ctx context.Context) ([]models.Annotation, error) {
		out, err := s.annos.FindByImageReference(ctx, imageRefID)
		return out, translateError(err)
	})
}

// CreateAnnotationWithAssociations creates a and then attaches each
// association in order. A failure stops the flow with a *StepError; what
// was already created stays on the server and its events stay published.
func (s *Service) CreateAnnotationWithAssociations(a models.Annotation, assocs ...models.Association) (*async.Future[models.Annotation], error) {
	if err := client.ValidateCreateAnnotation(a); err != nil {
		return nil, err
	}
	for _, as := range assocs {
		if as.LinkName == "" {
			return nil, &client.ValidationError{Op: client.OpCreateAssociation, Fields: []string{"link_name"}}
		}
	}
	a = a.Clone()
	assocs = append([]models.Association(nil), assocs...)

	return async.Go(s.pool, func(ctx context.Context) (models.Annotation, error) {
		created, err := s.annos.Create(ctx, a)
		if err != nil {
			return models.Annotation{}, &StepError{Step: client.OpCreateAnnotation, Index: 0, Err: translateError(err)}
		}
		announce(ctx, s, events.ActionCreated, created)

		var attached []models.Association
		for i, as := range assocs {
			done, err := s.annos.CreateAssociation(ctx, created.ObservationUUID, as)
			if err != nil {
				s.logger.Warn("Association step failed", "observation_uuid", created.ObservationUUID, "step", i+1, "error", err)
				return created, &StepError{
					Step:         client.OpCreateAssociation,
					Index:        i + 1,
					Annotation:   created.Clone(),
					Associations: attached,
					Err:          translateError(err),
				}
			}
			announce(ctx, s, events.ActionCreated, done)
			attached = append(attached, done)
		}

		created.Associations = append(created.Associations, attached...)
		s.logger.Info("Created annotation with associations", "observation_uuid", created.ObservationUUID, "associations", len(attached))
		return created, nil
	})
}

// Select announces that the given annotations are now the current selection.
func (s *Service) Select(ctx context.Context, selected ...models.Annotation) error {
	return s.bus.Publish(ctx, events.Selected(s.source, selected...))
}
