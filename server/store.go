package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shachafemanoel/hazard-detection/models"
)

// keptDetections caps how many recent detections a session retains for its
// summary endpoint.
const keptDetections = 200

// sessionRecord is the server-side state for one detection session.
type sessionRecord struct {
	ID                  string
	Started             time.Time
	ConfidenceThreshold float32
	Source              string
	DetectionCount      int
	Detections          []models.Detection
}

// Store holds live sessions. Ended sessions are removed, so a second end
// call observes the same 404 as an unknown id.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*sessionRecord)}
}

// Create opens a session and returns its id.
func (s *Store) Create(confidenceThreshold float32, source string) string {
	rec := &sessionRecord{
		ID:                  uuid.NewString(),
		Started:             time.Now(),
		ConfidenceThreshold: confidenceThreshold,
		Source:              source,
	}
	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.mu.Unlock()
	return rec.ID
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return sessionRecord{}, false
	}
	return s.snapshot(rec), true
}

// AddDetections appends a detect call's results to the session. The count
// only grows, matching the client's monotonicity invariant.
func (s *Store) AddDetections(id string, detections []models.Detection) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return 0, false
	}
	rec.DetectionCount += len(detections)
	rec.Detections = append(rec.Detections, detections...)
	if len(rec.Detections) > keptDetections {
		rec.Detections = rec.Detections[len(rec.Detections)-keptDetections:]
	}
	return rec.DetectionCount, true
}

// End removes the session and returns its final state.
func (s *Store) End(id string) (sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return sessionRecord{}, false
	}
	delete(s.sessions, id)
	return s.snapshot(rec), true
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) snapshot(rec *sessionRecord) sessionRecord {
	cp := *rec
	cp.Detections = make([]models.Detection, len(rec.Detections))
	copy(cp.Detections, rec.Detections)
	return cp
}
