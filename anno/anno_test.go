package anno_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/InsulaLabs/annosync/anno"
	"github.com/InsulaLabs/annosync/client"
	"github.com/InsulaLabs/annosync/internal/annotest"
	"github.com/InsulaLabs/annosync/internal/async"
	"github.com/InsulaLabs/annosync/pkg/events"
	"github.com/InsulaLabs/annosync/pkg/models"
)

const (
	testAPIKey  = "foo"
	waitTimeout = 5 * time.Second
)

var serverEpoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type changeLog struct {
	mu     sync.Mutex
	events []events.Event
	got    chan struct{}
}

func (c *changeLog) OnEvent(ctx context.Context, ev events.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *changeLog) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

type AnnoTestSuite struct {
	suite.Suite
	logger  *slog.Logger
	server  *annotest.Server
	bus     events.Bus
	svc     *anno.Service
	changes *changeLog
	unsub   events.Unsubscriber
	video   uuid.UUID
	ticks   atomic.Int64
}

func (s *AnnoTestSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.ticks.Store(0)
	s.server = annotest.NewServer(annotest.Config{
		APIKey:    testAPIKey,
		AuthDelay: 20 * time.Millisecond,
		Clock: func() time.Time {
			return serverEpoch.Add(time.Duration(s.ticks.Add(1)) * time.Minute)
		},
		Logger: s.logger,
	})

	c, err := client.NewClient(&client.Config{
		Endpoint: s.server.Endpoint(),
		Auth:     models.NewAuthorization(testAPIKey),
		Logger:   s.logger,
	})
	require.NoError(s.T(), err)

	s.bus = events.New(events.Config{Logger: s.logger})
	s.svc, err = anno.New(&anno.Config{Client: c, Bus: s.bus, Workers: 4, Logger: s.logger})
	require.NoError(s.T(), err)

	s.changes = &changeLog{got: make(chan struct{}, 128)}
	s.unsub, err = s.bus.Subscribe(events.KindChange, s.changes)
	require.NoError(s.T(), err)

	s.video = uuid.New()
}

func (s *AnnoTestSuite) TearDownTest() {
	s.unsub()
	s.svc.Close()
	s.bus.Close()
	s.server.Close()
}

func (s *AnnoTestSuite) newAnnotation() models.Annotation {
	return models.Annotation{
		VideoReferenceUUID: s.video,
		Concept:            "Nanomia bijuga",
		Observer:           "brian",
		RecordedTimestamp:  time.Date(2019, 5, 14, 18, 2, 11, 0, time.UTC),
	}
}

func (s *AnnoTestSuite) create(a models.Annotation) models.Annotation {
	f, err := s.svc.CreateAnnotation(a)
	require.NoError(s.T(), err)
	created, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	return created
}

func (s *AnnoTestSuite) TestRoundTrip() {
	in := s.newAnnotation()
	created := s.create(in)

	f, err := s.svc.FindByUUID(created.ObservationUUID)
	require.NoError(s.T(), err)
	found, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), found)

	assert.Equal(s.T(), created.ObservationUUID, found.ObservationUUID)
	assert.Equal(s.T(), in.Concept, found.Concept)
	assert.Equal(s.T(), in.Observer, found.Observer)
	assert.Equal(s.T(), in.VideoReferenceUUID, found.VideoReferenceUUID)
	assert.True(s.T(), in.RecordedTimestamp.Equal(found.RecordedTimestamp))
}

func (s *AnnoTestSuite) TestDeleteIdempotence() {
	created := s.create(s.newAnnotation())

	for i := 0; i < 2; i++ {
		f, err := s.svc.DeleteAnnotation(created.ObservationUUID)
		require.NoError(s.T(), err)
		_, err = anno.Await(f, waitTimeout)
		require.NoError(s.T(), err)
	}

	f, err := s.svc.FindByUUID(created.ObservationUUID)
	require.NoError(s.T(), err)
	found, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), found)
}

func (s *AnnoTestSuite) TestIdentifiersSurviveUpdate() {
	created := s.create(s.newAnnotation())

	changed := created.Clone()
	changed.Concept = "Pandalus platyceros"
	changed.Group = "ROV"
	f, err := s.svc.UpdateAnnotation(changed)
	require.NoError(s.T(), err)
	updated, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), created.ObservationUUID, updated.ObservationUUID)
	assert.Equal(s.T(), created.ImagedMomentUUID, updated.ImagedMomentUUID)
	assert.Equal(s.T(), created.VideoReferenceUUID, updated.VideoReferenceUUID)
	assert.Equal(s.T(), "Pandalus platyceros", updated.Concept)
	assert.Equal(s.T(), "ROV", updated.Group)
}

func (s *AnnoTestSuite) TestTimestampsStayDistinct() {
	in := s.newAnnotation()
	created := s.create(in)

	assert.True(s.T(), created.RecordedTimestamp.Equal(in.RecordedTimestamp))
	assert.True(s.T(), created.ObservationTimestamp.After(serverEpoch))
	assert.False(s.T(), created.ObservationTimestamp.Equal(created.RecordedTimestamp))

	f, err := s.svc.UpdateAnnotation(models.Annotation{ObservationUUID: created.ObservationUUID, Activity: "ascend"})
	require.NoError(s.T(), err)
	updated, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)

	assert.True(s.T(), updated.RecordedTimestamp.Equal(in.RecordedTimestamp))
	assert.True(s.T(), updated.ObservationTimestamp.After(created.ObservationTimestamp))
}

func (s *AnnoTestSuite) TestConcurrentCallsAuthenticateOnce() {
	s.server.RegisterVideo(s.video)

	const n = 12
	futures := make([]*async.Future[models.AnnotationCount], 0, n)
	for i := 0; i < n; i++ {
		f, err := s.svc.CountAnnotations(s.video)
		require.NoError(s.T(), err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := anno.Await(f, waitTimeout)
		require.NoError(s.T(), err)
	}
	assert.Equal(s.T(), int64(1), s.server.AuthCalls())

	s.server.InvalidateTokens()

	futures = futures[:0]
	for i := 0; i < n; i++ {
		f, err := s.svc.CountAnnotations(s.video)
		require.NoError(s.T(), err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := anno.Await(f, waitTimeout)
		require.NoError(s.T(), err)
	}
	assert.Equal(s.T(), int64(2), s.server.AuthCalls())
}

func (s *AnnoTestSuite) TestPaginationContract() {
	base := s.newAnnotation()
	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		a := base.Clone()
		a.RecordedTimestamp = base.RecordedTimestamp.Add(time.Duration(i) * time.Second)
		ids = append(ids, s.create(a).ObservationUUID)
	}

	var seen []uuid.UUID
	for offset := int64(0); ; offset += 3 {
		f, err := s.svc.FindAnnotationsPage(s.video, 3, offset)
		require.NoError(s.T(), err)
		page, err := anno.Await(f, waitTimeout)
		require.NoError(s.T(), err)
		assert.LessOrEqual(s.T(), len(page), 3)
		if len(page) == 0 {
			break
		}
		for _, a := range page {
			seen = append(seen, a.ObservationUUID)
		}
	}
	assert.Equal(s.T(), ids, seen)

	f, err := s.svc.FindAnnotations(s.video)
	require.NoError(s.T(), err)
	all, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	assert.Len(s.T(), all, 7)
}

func (s *AnnoTestSuite) TestUnknownVideoIsNotFoundAndEmptyVideoIsEmpty() {
	f, err := s.svc.FindAnnotations(uuid.New())
	require.NoError(s.T(), err)
	_, err = anno.Await(f, waitTimeout)
	assert.True(s.T(), client.IsNotFound(err))

	s.server.RegisterVideo(s.video)
	f, err = s.svc.FindAnnotations(s.video)
	require.NoError(s.T(), err)
	out, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), out)
}

func (s *AnnoTestSuite) TestValidationIsSynchronous() {
	f, err := s.svc.CreateAnnotation(models.Annotation{Concept: "Nanomia bijuga"})
	assert.Nil(s.T(), f)
	assert.True(s.T(), client.IsValidation(err))

	f2, err := s.svc.DeleteAnnotation(uuid.Nil)
	assert.Nil(s.T(), f2)
	assert.True(s.T(), client.IsValidation(err))

	f3, err := s.svc.CreateAnnotationWithAssociations(s.newAnnotation(), models.Association{})
	assert.Nil(s.T(), f3)
	assert.True(s.T(), client.IsValidation(err))

	assert.Equal(s.T(), int64(0), s.server.Requests())
}

func (s *AnnoTestSuite) TestEventsFollowConfirmation() {
	s.server.Fail(http.MethodPost, "annotations", http.StatusInternalServerError)

	f, err := s.svc.CreateAnnotation(s.newAnnotation())
	require.NoError(s.T(), err)
	_, err = anno.Await(f, waitTimeout)
	require.Error(s.T(), err)

	var se *client.StatusError
	assert.ErrorAs(s.T(), err, &se)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(s.T(), s.changes.snapshot())
}

func (s *AnnoTestSuite) TestEventPublishedBeforeResolution() {
	created := s.create(s.newAnnotation())

	got := s.changes.snapshot()
	require.Len(s.T(), got, 1)
	assert.Equal(s.T(), events.ActionCreated, got[0].Action)
	assert.Equal(s.T(), s.svc.Source(), got[0].Source)

	items, ok := events.Items[models.Annotation](got[0])
	require.True(s.T(), ok)
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), created.ObservationUUID, items[0].ObservationUUID)
}

func (s *AnnoTestSuite) TestTimeoutLeavesOperationRunning() {
	s.server.RegisterVideo(s.video)
	s.server.SetLatency(300 * time.Millisecond)

	f, err := s.svc.CountAnnotations(s.video)
	require.NoError(s.T(), err)

	_, err = anno.Await(f, 20*time.Millisecond)
	require.Error(s.T(), err)
	assert.True(s.T(), client.IsTimeout(err))

	count, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), count.Count)
}

func (s *AnnoTestSuite) TestStepErrorReportsProgress() {
	s.server.Fail(http.MethodPost, "associations", http.StatusInternalServerError)

	f, err := s.svc.CreateAnnotationWithAssociations(s.newAnnotation(),
		models.NewAssociation("eating", "Sergestes", ""),
		models.NewAssociation("surface-color", "self", "red"),
	)
	require.NoError(s.T(), err)
	_, err = anno.Await(f, waitTimeout)
	require.Error(s.T(), err)

	var step *anno.StepError
	require.ErrorAs(s.T(), err, &step)
	assert.Equal(s.T(), 1, step.Index)
	assert.Equal(s.T(), client.OpCreateAssociation, step.Step)
	assert.NotEqual(s.T(), uuid.Nil, step.Annotation.ObservationUUID)
	assert.Empty(s.T(), step.Associations)

	assert.Equal(s.T(), 1, s.server.Observations())
}

func (s *AnnoTestSuite) TestCreateWithAssociations() {
	f, err := s.svc.CreateAnnotationWithAssociations(s.newAnnotation(),
		models.NewAssociation("eating", "Sergestes", ""),
		models.NewAssociation("surface-color", "self", "red"),
	)
	require.NoError(s.T(), err)
	created, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)
	require.Len(s.T(), created.Associations, 2)
	assert.Equal(s.T(), models.NilValue, created.Associations[0].LinkValue)
	assert.Equal(s.T(), "red", created.Associations[1].LinkValue)

	assert.Len(s.T(), s.changes.snapshot(), 3)
}

func (s *AnnoTestSuite) TestSelectionEvents() {
	selections := &changeLog{got: make(chan struct{}, 4)}
	unsub, err := s.bus.Subscribe(events.KindSelection, selections)
	require.NoError(s.T(), err)
	defer unsub()

	a := s.newAnnotation()
	require.NoError(s.T(), s.svc.Select(context.Background(), a))

	got := selections.snapshot()
	require.Len(s.T(), got, 1)
	assert.Equal(s.T(), events.ActionSelected, got[0].Action)
	assert.Empty(s.T(), s.changes.snapshot())
}

// Create, associate, update, count and delete against one video, checking
// the values the service reports at each step.
func (s *AnnoTestSuite) TestEndToEnd() {
	created := s.create(s.newAnnotation())

	af, err := s.svc.CreateAssociation(created.ObservationUUID, models.Association{LinkName: "eating", ToConcept: "Sergestes"})
	require.NoError(s.T(), err)
	as, err := anno.Await(af, waitTimeout)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "nil", as.LinkValue)

	fetched, err := s.svc.FindAssociation(as.UUID)
	require.NoError(s.T(), err)
	got, err := anno.Await(fetched, waitTimeout)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), got)
	assert.Equal(s.T(), "Sergestes", got.ToConcept)

	as.LinkValue = "1"
	uaf, err := s.svc.UpdateAssociation(as)
	require.NoError(s.T(), err)
	_, err = anno.Await(uaf, waitTimeout)
	require.NoError(s.T(), err)

	uf, err := s.svc.UpdateAnnotation(models.Annotation{
		ObservationUUID: created.ObservationUUID,
		Group:           "ROV",
		Concept:         "Pandalus platyceros",
	})
	require.NoError(s.T(), err)
	updated, err := anno.Await(uf, waitTimeout)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Pandalus platyceros", updated.Concept)
	assert.Equal(s.T(), "ROV", updated.Group)
	require.Len(s.T(), updated.Associations, 1)
	assert.Equal(s.T(), "1", updated.Associations[0].LinkValue)

	cf, err := s.svc.CountAnnotations(s.video)
	require.NoError(s.T(), err)
	count, err := anno.Await(cf, waitTimeout)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), count.Count)

	daf, err := s.svc.DeleteAssociation(as.UUID)
	require.NoError(s.T(), err)
	_, err = anno.Await(daf, waitTimeout)
	require.NoError(s.T(), err)

	pf, err := s.svc.FindByUUID(created.ObservationUUID)
	require.NoError(s.T(), err)
	parent, err := anno.Await(pf, waitTimeout)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), parent)
	assert.Empty(s.T(), parent.Associations)

	df, err := s.svc.DeleteAnnotation(created.ObservationUUID)
	require.NoError(s.T(), err)
	_, err = anno.Await(df, waitTimeout)
	require.NoError(s.T(), err)

	gf, err := s.svc.FindByUUID(created.ObservationUUID)
	require.NoError(s.T(), err)
	gone, err := anno.Await(gf, waitTimeout)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), gone)

	var actions []events.Action
	for _, ev := range s.changes.snapshot() {
		actions = append(actions, ev.Action)
	}
	assert.Equal(s.T(), []events.Action{
		events.ActionCreated,
		events.ActionCreated,
		events.ActionUpdated,
		events.ActionUpdated,
		events.ActionDeleted,
		events.ActionDeleted,
	}, actions)
}

func (s *AnnoTestSuite) TestDeleteUnknownPublishesNothing() {
	df, err := s.svc.DeleteAnnotation(uuid.New())
	require.NoError(s.T(), err)
	_, err = anno.Await(df, waitTimeout)
	require.NoError(s.T(), err)

	daf, err := s.svc.DeleteAssociation(uuid.New())
	require.NoError(s.T(), err)
	_, err = anno.Await(daf, waitTimeout)
	require.NoError(s.T(), err)

	dif, err := s.svc.DeleteImage(uuid.New())
	require.NoError(s.T(), err)
	_, err = anno.Await(dif, waitTimeout)
	require.NoError(s.T(), err)

	assert.Empty(s.T(), s.changes.snapshot())

	created := s.create(s.newAnnotation())
	df, err = s.svc.DeleteAnnotation(created.ObservationUUID)
	require.NoError(s.T(), err)
	_, err = anno.Await(df, waitTimeout)
	require.NoError(s.T(), err)
	df, err = s.svc.DeleteAnnotation(created.ObservationUUID)
	require.NoError(s.T(), err)
	_, err = anno.Await(df, waitTimeout)
	require.NoError(s.T(), err)

	var deletes int
	for _, ev := range s.changes.snapshot() {
		if ev.Action == events.ActionDeleted {
			deletes++
		}
	}
	assert.Equal(s.T(), 1, deletes)
}

func (s *AnnoTestSuite) TestImages() {
	created := s.create(s.newAnnotation())

	still, err := url.Parse("http://images.example.org/still.jpg")
	require.NoError(s.T(), err)
	img := models.Image{
		VideoReferenceUUID: s.video,
		RecordedTimestamp:  created.RecordedTimestamp,
		URL:                still,
		Format:             "image/jpeg",
	}

	f, err := s.svc.CreateImage(img)
	require.NoError(s.T(), err)
	stored, err := anno.Await(f, waitTimeout)
	require.NoError(s.T(), err)

	bf, err := s.svc.FindByImageReference(stored.ImageReferenceUUID)
	require.NoError(s.T(), err)
	found, err := anno.Await(bf, waitTimeout)
	require.NoError(s.T(), err)
	require.Len(s.T(), found, 1)
	assert.Equal(s.T(), created.ObservationUUID, found[0].ObservationUUID)

	df, err := s.svc.DeleteImage(stored.ImageReferenceUUID)
	require.NoError(s.T(), err)
	_, err = anno.Await(df, waitTimeout)
	require.NoError(s.T(), err)
}

func TestAnnoTestSuite(t *testing.T) {
	suite.Run(t, new(AnnoTestSuite))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := anno.New(&anno.Config{})
	assert.ErrorIs(t, err, anno.ErrClientMissing)
}

func TestNewRejectsUncomparableSource(t *testing.T) {
	c, err := client.NewClient(&client.Config{Endpoint: "http://127.0.0.1:1/anno/v1"})
	require.NoError(t, err)

	_, err = anno.New(&anno.Config{Client: c, Source: []string{"viewer"}})
	assert.ErrorIs(t, err, anno.ErrSourceNotComparable)

	svc, err := anno.New(&anno.Config{Client: c, Source: "viewer", Bus: events.New(events.Config{})})
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, "viewer", svc.Source())
}
