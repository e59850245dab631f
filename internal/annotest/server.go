// Package annotest runs an in-memory annotation service over httptest for
// exercising the client end to end.
package annotest

import (
	"cmp"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	BasePath = "/anno/v1"

	instantLayout = "2006-01-02T15:04:05Z"
)

type Config struct {
	// APIKey enables authentication. Empty means every request is accepted.
	APIKey   string
	TokenTTL time.Duration
	// AuthDelay holds each token exchange open, widening the window in
	// which concurrent refreshes would overlap.
	AuthDelay time.Duration
	// Clock stamps observation_timestamp. Defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

type association struct {
	UUID      uuid.UUID `json:"uuid"`
	LinkName  string    `json:"link_name"`
	ToConcept string    `json:"to_concept,omitempty"`
	LinkValue string    `json:"link_value,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`

	observation uuid.UUID
	seq         int64
}

type image struct {
	ImageReferenceUUID uuid.UUID `json:"image_reference_uuid"`
	ImagedMomentUUID   uuid.UUID `json:"imaged_moment_uuid"`
	VideoReferenceUUID uuid.UUID `json:"video_reference_uuid"`
	RecordedTimestamp  *string   `json:"recorded_timestamp,omitempty"`
	Timecode           *string   `json:"timecode,omitempty"`
	ElapsedTimeMillis  *int64    `json:"elapsed_time_millis,omitempty"`
	URL                string    `json:"url"`
	Format             string    `json:"format,omitempty"`
	Width              int       `json:"width_pixels,omitempty"`
	Height             int       `json:"height_pixels,omitempty"`
	Description        string    `json:"description,omitempty"`
}

type observation struct {
	ObservationUUID      uuid.UUID     `json:"observation_uuid"`
	Concept              string        `json:"concept"`
	Observer             string        `json:"observer,omitempty"`
	ObservationTimestamp string        `json:"observation_timestamp"`
	VideoReferenceUUID   uuid.UUID     `json:"video_reference_uuid"`
	ImagedMomentUUID     uuid.UUID     `json:"imaged_moment_uuid"`
	Timecode             *string       `json:"timecode,omitempty"`
	ElapsedTimeMillis    *int64        `json:"elapsed_time_millis,omitempty"`
	RecordedTimestamp    *string       `json:"recorded_timestamp,omitempty"`
	DurationMillis       *int64        `json:"duration_millis,omitempty"`
	Group                string        `json:"group,omitempty"`
	Activity             string        `json:"activity,omitempty"`
	Associations         []association `json:"associations,omitempty"`
	ImageReferences      []image       `json:"image_references,omitempty"`
}

type observationPatch struct {
	Concept            *string    `json:"concept"`
	Observer           *string    `json:"observer"`
	VideoReferenceUUID *uuid.UUID `json:"video_reference_uuid"`
	Timecode           *string    `json:"timecode"`
	ElapsedTimeMillis  *int64     `json:"elapsed_time_millis"`
	RecordedTimestamp  *string    `json:"recorded_timestamp"`
	DurationMillis     *int64     `json:"duration_millis"`
	Group              *string    `json:"group"`
	Activity           *string    `json:"activity"`
}

type associationPatch struct {
	ObservationUUID *uuid.UUID `json:"observation_uuid"`
	LinkName        *string    `json:"link_name"`
	ToConcept       *string    `json:"to_concept"`
	LinkValue       *string    `json:"link_value"`
	MimeType        *string    `json:"mime_type"`
}

type failure struct {
	method string
	prefix string
	status int
	body   string
}

// Server is a fake annotation service. Observations sharing a video
// reference and recorded position share an imaged moment, as images do.
type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *httptest.Server

	authCalls    atomic.Int64
	rejected     atomic.Int64
	requestCount atomic.Int64

	mu           sync.Mutex
	tokens       map[string]bool
	videos       map[uuid.UUID]bool
	order        []uuid.UUID
	observations map[uuid.UUID]*observation
	associations map[uuid.UUID]*association
	images       map[uuid.UUID]*image
	moments      map[string]uuid.UUID
	failures     []failure
	latency      time.Duration
	seq          int64
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger.WithGroup("annotest"),
		tokens:       make(map[string]bool),
		videos:       make(map[uuid.UUID]bool),
		observations: make(map[uuid.UUID]*observation),
		associations: make(map[uuid.UUID]*association),
		images:       make(map[uuid.UUID]*image),
		moments:      make(map[string]uuid.UUID),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath+"/auth", s.authHandler)
	mux.HandleFunc("GET "+BasePath+"/annotations/videoreference/{id}", s.guard(s.findByVideoHandler))
	mux.HandleFunc("GET "+BasePath+"/observations/videoreference/count/{id}", s.guard(s.countHandler))
	mux.HandleFunc("POST "+BasePath+"/annotations", s.guard(s.createObservationHandler))
	mux.HandleFunc("PUT "+BasePath+"/annotations/{id}", s.guard(s.updateObservationHandler))
	mux.HandleFunc("GET "+BasePath+"/annotations/{id}", s.guard(s.getObservationHandler))
	mux.HandleFunc("DELETE "+BasePath+"/observations/{id}", s.guard(s.deleteObservationHandler))
	mux.HandleFunc("POST "+BasePath+"/associations", s.guard(s.createAssociationHandler))
	mux.HandleFunc("PUT "+BasePath+"/associations/{id}", s.guard(s.updateAssociationHandler))
	mux.HandleFunc("GET "+BasePath+"/associations/{id}", s.guard(s.getAssociationHandler))
	mux.HandleFunc("DELETE "+BasePath+"/associations/{id}", s.guard(s.deleteAssociationHandler))
	mux.HandleFunc("POST "+BasePath+"/images", s.guard(s.createImageHandler))
	mux.HandleFunc("DELETE "+BasePath+"/imagereferences/{id}", s.guard(s.deleteImageHandler))
	mux.HandleFunc("GET "+BasePath+"/annotations/imagereference/{id}", s.guard(s.findByImageHandler))

	s.srv = httptest.NewServer(mux)
	return s
}

// Endpoint is the base URL a client should be configured with.
func (s *Server) Endpoint() string {
	return s.srv.URL + BasePath
}

func (s *Server) Close() {
	s.srv.Close()
}

// AuthCalls counts token exchanges, successful or not.
func (s *Server) AuthCalls() int64 { return s.authCalls.Load() }

// Rejected counts requests refused for a missing or unknown token.
func (s *Server) Rejected() int64 { return s.rejected.Load() }

// Requests counts resource requests that passed authentication.
func (s *Server) Requests() int64 { return s.requestCount.Load() }

// InvalidateTokens forgets every issued token, as a server restart would.
func (s *Server) InvalidateTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// RegisterVideo makes a video reference known without annotations.
func (s *Server) RegisterVideo(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id] = true
}

// Fail answers every later request whose method matches and whose path,
// relative to BasePath, starts with prefix, with status.
func (s *Server) Fail(method, prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, prefix: prefix, status: status})
}

// Corrupt answers every later matching request, as Fail does, with a 200
// and body written verbatim.
func (s *Server) Corrupt(method, prefix, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, prefix: prefix, status: http.StatusOK, body: body})
}

// SetLatency delays every resource response.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Observations returns the number of stored observations.
func (s *Server) Observations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observations)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]string{"error_type": errorType, "message": message})
}

func (s *Server) authHandler(w http.ResponseWriter, r *http.Request) {
	s.authCalls.Add(1)
	if s.cfg.AuthDelay > 0 {
		time.Sleep(s.cfg.AuthDelay)
	}

	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "APIKEY ")
	if !ok || key != s.cfg.APIKey {
		s.logger.Debug("Rejected api key")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(s.cfg.TokenTTL / time.Second),
	})
}

// guard checks the bearer token, then applies injected latency and failures.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			s.mu.Lock()
			valid := ok && s.tokens[token]
			s.mu.Unlock()
			if !valid {
				s.rejected.Add(1)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
		}
		s.requestCount.Add(1)

		s.mu.Lock()
		latency := s.latency
		var injected *failure
		rel := strings.TrimPrefix(r.URL.Path, BasePath+"/")
		for _, f := range s.failures {
			if f.method == r.Method && strings.HasPrefix(rel, f.prefix) {
				injected = &f
			}
		}
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		switch {
		case injected == nil:
		case injected.body != "":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(injected.status)
			_, _ = io.WriteString(w, injected.body)
			return
		default:
			writeError(w, injected.status, "injected", "injected failure")
			return
		}
		next(w, r)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed uuid")
		return uuid.Nil, false
	}
	return id, true
}

// momentFor groups records by video and recorded position. The caller
// holds s.mu.
func (s *Server) momentFor(video uuid.UUID, recorded, tc *string, elapsed *int64) uuid.UUID {
	key := video.String()
	switch {
	case recorded != nil:
		key += "|r|" + *recorded
	case tc != nil:
		key += "|t|" + *tc
	case elapsed != nil:
		key += "|e|" + strconv.FormatInt(*elapsed, 10)
	default:
		return uuid.New()
	}
	if id, ok := s.moments[key]; ok {
		return id
	}
	id := uuid.New()
	s.moments[key] = id
	return id
}

func (s *Server) stamp() string {
	return s.cfg.Clock().UTC().Format(instantLayout)
}

// render copies o with its children attached. The caller holds s.mu.
func (s *Server) render(o *observation) observation {
	out := *o
	out.Associations = nil
	out.ImageReferences = nil
	for _, as := range s.associations {
		if as.observation == o.ObservationUUID {
			out.Associations = append(out.Associations, *as)
		}
	}
	slices.SortFunc(out.Associations, func(a, b association) int { return cmp.Compare(a.seq, b.seq) })
	for _, img := range s.images {
		if img.ImagedMomentUUID == o.ImagedMomentUUID {
			out.ImageReferences = append(out.ImageReferences, *img)
		}
	}
	return out
}

func (s *Server) findByVideoHandler(w http.ResponseWriter, r *http.Request) {
	video, ok := pathID(w, r)
	if !ok {
		return
	}

	offset, limit := 0, -1
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid offset parameter")
			return
		}
		offset = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit parameter")
			return
		}
		limit = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.videos[video] {
		writeError(w, http.StatusNotFound, "not_found", "unknown video reference")
		return
	}

	out := []observation{}
	skipped := 0
	for _, id := range s.order {
		o, ok := s.observations[id]
		if !ok || o.VideoReferenceUUID != video {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		out = append(out, s.render(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	video, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	var n int64
	for _, o := range s.observations {
		if o.VideoReferenceUUID == video {
			n++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"video_reference_uuid": video, "count": n})
}

func (p observationPatch) apply(o *observation) {
	if p.Concept != nil {
		o.Concept = *p.Concept
	}
	if p.Observer != nil {
		o.Observer = *p.Observer
	}
	if p.VideoReferenceUUID != nil {
		o.VideoReferenceUUID = *p.VideoReferenceUUID
	}
	if p.Timecode != nil {
		o.Timecode = p.Timecode
	}
	if p.ElapsedTimeMillis != nil {
		o.ElapsedTimeMillis = p.ElapsedTimeMillis
	}
	if p.RecordedTimestamp != nil {
		o.RecordedTimestamp = p.RecordedTimestamp
	}
	if p.DurationMillis != nil {
		o.DurationMillis = p.DurationMillis
	}
	if p.Group != nil {
		o.Group = *p.Group
	}
	if p.Activity != nil {
		o.Activity = *p.Activity
	}
}

func (s *Server) createObservationHandler(w http.ResponseWriter, r *http.Request) {
	var p observationPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	if p.VideoReferenceUUID == nil || p.Concept == nil || *p.Concept == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "video_reference_uuid and concept are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o := &observation{ObservationUUID: uuid.New()}
	p.apply(o)
	o.ObservationTimestamp = s.stamp()
	o.ImagedMomentUUID = s.momentFor(o.VideoReferenceUUID, o.RecordedTimestamp, o.Timecode, o.ElapsedTimeMillis)

	s.observations[o.ObservationUUID] = o
	s.order = append(s.order, o.ObservationUUID)
	s.videos[o.VideoReferenceUUID] = true

	s.logger.Debug("Created observation", "observation_uuid", o.ObservationUUID, "concept", o.Concept)
	writeJSON(w, http.StatusOK, s.render(o))
}

func (s *Server) updateObservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p observationPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.observations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown observation")
		return
	}
	p.apply(o)
	o.ObservationTimestamp = s.stamp()
	if p.VideoReferenceUUID != nil {
		s.videos[o.VideoReferenceUUID] = true
	}
	writeJSON(w, http.StatusOK, s.render(o))
}

func (s *Server) getObservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.observations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown observation")
		return
	}
	writeJSON(w, http.StatusOK, s.render(o))
}

func (s *Server) deleteObservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observations[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.observations, id)
	for aid, as := range s.associations {
		if as.observation == id {
			delete(s.associations, aid)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p associationPatch) apply(as *association) {
	if p.LinkName != nil {
		as.LinkName = *p.LinkName
	}
	if p.ToConcept != nil {
		as.ToConcept = *p.ToConcept
	}
	if p.LinkValue != nil {
		as.LinkValue = *p.LinkValue
	}
	if p.MimeType != nil {
		as.MimeType = *p.MimeType
	}
}

func (s *Server) createAssociationHandler(w http.ResponseWriter, r *http.Request) {
	var p associationPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	if p.ObservationUUID == nil || p.LinkName == nil || *p.LinkName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "observation_uuid and link_name are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.observations[*p.ObservationUUID]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown observation")
		return
	}
	s.seq++
	as := &association{UUID: uuid.New(), observation: *p.ObservationUUID, seq: s.seq}
	p.apply(as)
	s.associations[as.UUID] = as
	writeJSON(w, http.StatusOK, *as)
}

func (s *Server) updateAssociationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p associationPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.associations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown association")
		return
	}
	p.apply(as)
	if o, ok := s.observations[as.observation]; ok {
		o.ObservationTimestamp = s.stamp()
	}
	writeJSON(w, http.StatusOK, *as)
}

func (s *Server) getAssociationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.associations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown association")
		return
	}
	writeJSON(w, http.StatusOK, *as)
}

func (s *Server) deleteAssociationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.associations[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.associations, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createImageHandler(w http.ResponseWriter, r *http.Request) {
	var img image
	if err := json.NewDecoder(r.Body).Decode(&img); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	if img.VideoReferenceUUID == uuid.Nil || img.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "video_reference_uuid and url are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	img.ImageReferenceUUID = uuid.New()
	img.ImagedMomentUUID = s.momentFor(img.VideoReferenceUUID, img.RecordedTimestamp, img.Timecode, img.ElapsedTimeMillis)
	s.images[img.ImageReferenceUUID] = &img
	s.videos[img.VideoReferenceUUID] = true
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) deleteImageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.images, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findByImageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown image reference")
		return
	}
	out := []observation{}
	for _, oid := range s.order {
		if o, ok := s.observations[oid]; ok && o.ImagedMomentUUID == img.ImagedMomentUUID {
			out = append(out, s.render(o))
		}
	}
	writeJSON(w, http.StatusOK, out)
}
