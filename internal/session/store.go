package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/annahealth/assistant-platform/internal/cache"
	"github.com/annahealth/assistant-platform/internal/observability/metrics"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

var (
	// ErrEmptyID is returned when a caller passes an empty session id.
	ErrEmptyID = errors.New("session: empty id")
	// ErrNilSession is returned when a caller tries to persist a nil session.
	ErrNilSession = errors.New("session: nil session")
)

// PatientVerifier looks up a patient record for a contact address. Used to
// attach the patient reference when a session is first created.
type PatientVerifier interface {
	PatientByEmail(ctx context.Context, email string) (*PatientRef, error)
}

// Store is the session facade. Reads consult the in-process mirror first and
// the cache backend second; writes always land in the mirror and are
// best-effort against the backend. Backend connectivity problems are degraded
// to the mirror, never surfaced to callers.
type Store struct {
	mirror   *cache.MemoryStore
	backend  cache.Store // nil when no backend is configured
	verifier PatientVerifier
	ttl      time.Duration
	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *metrics.SessionMetrics

	// now is overridable in tests.
	now func() time.Time
}

// NewStore creates a session store. backend and verifier may be nil; metrics
// may be nil.
func NewStore(backend cache.Store, verifier PatientVerifier, ttl time.Duration, logger *logging.Logger, m *metrics.SessionMetrics) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		mirror:   cache.NewMemoryStore(),
		backend:  backend,
		verifier: verifier,
		ttl:      ttl,
		logger:   logger,
		tracer:   otel.Tracer("anna.internal.session"),
		metrics:  m,
		now:      time.Now,
	}
}

func sessionKey(id string) string {
	return fmt.Sprintf("chat_session:%s", id)
}

// Get returns the session for id, synthesizing and persisting a default one
// when none exists. It never fails on backend connectivity problems.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyID
	}

	ctx, span := s.tracer.Start(ctx, "session.get")
	defer span.End()

	key := sessionKey(id)

	if data, err := s.mirror.Get(ctx, key); err == nil {
		if sess, err := decodeSession(data); err == nil {
			s.metrics.ObserveRead("memory")
			return sess, nil
		}
		// A corrupt mirror entry is dropped and the backend consulted instead.
		_ = s.mirror.Delete(ctx, key)
	}

	if s.backend != nil {
		data, err := s.backend.Get(ctx, key)
		switch {
		case err == nil:
			sess, decErr := decodeSession(data)
			if decErr == nil {
				// Populate the mirror as a local copy of the backend hit.
				_ = s.mirror.Set(ctx, key, data, s.ttl)
				s.metrics.ObserveRead("backend")
				return sess, nil
			}
			s.logger.Error("session: corrupt backend entry, creating default", "id", id, "error", decErr)
		case errors.Is(err, cache.ErrNotFound):
			// Fall through to default creation.
		default:
			span.RecordError(err)
			s.metrics.ObserveBackendFailure()
			s.logger.Warn("session: cache backend unavailable, using in-process tier", "id", id, "error", err)
		}
	}

	sess := s.createDefault(ctx, id)
	if err := s.Save(ctx, id, sess); err != nil {
		return nil, err
	}
	s.metrics.ObserveRead("default")
	return sess, nil
}

// Save persists the full session, refreshing its last-interaction timestamp
// and the TTL on both tiers. Empty ids and nil sessions are rejected.
func (s *Store) Save(ctx context.Context, id string, sess *Session) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if sess == nil {
		return ErrNilSession
	}

	ctx, span := s.tracer.Start(ctx, "session.save")
	defer span.End()

	sess.LastInteraction = s.now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal session %s: %w", id, err)
	}

	key := sessionKey(id)

	// The mirror write cannot fail; it keeps the process authoritative for
	// this key even when the backend is down.
	_ = s.mirror.Set(ctx, key, data, s.ttl)

	if s.backend != nil {
		if err := s.backend.Set(ctx, key, data, s.ttl); err != nil {
			span.RecordError(err)
			s.metrics.ObserveBackendFailure()
			s.logger.Warn("session: backend write failed, mirror remains authoritative", "id", id, "error", err)
		}
	}
	return nil
}

// Update applies fn to the current session for id and persists the result.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(sess)
	if err := s.Save(ctx, id, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Reset replaces the session with a fresh default, optionally carrying the
// patient reference forward.
func (s *Store) Reset(ctx context.Context, id string, preservePatient bool) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyID
	}

	var patient *PatientRef
	var verified bool
	if preservePatient {
		if current, err := s.Get(ctx, id); err == nil {
			patient = current.Patient
			verified = current.Verified
		}
	}

	fresh := NewDefault(id, s.now().UTC())
	fresh.Patient = patient
	fresh.Verified = verified

	if err := s.Save(ctx, id, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Delete removes the session from both tiers.
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	key := sessionKey(id)
	_ = s.mirror.Delete(ctx, key)
	if s.backend != nil {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.metrics.ObserveBackendFailure()
			s.logger.Warn("session: backend delete failed", "id", id, "error", err)
		}
	}
	return nil
}

// Healthy reports whether the cache backend is reachable. The store itself
// keeps working either way.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.backend == nil {
		return false
	}
	return s.backend.Ping(ctx) == nil
}

func (s *Store) createDefault(ctx context.Context, id string) *Session {
	sess := NewDefault(id, s.now().UTC())

	// When the id looks like an email, try to attach the patient record.
	// Lookup failure is non-fatal.
	if s.verifier != nil && strings.Contains(id, "@") {
		patient, err := s.verifier.PatientByEmail(ctx, id)
		if err != nil {
			s.logger.Warn("session: patient verification failed", "id", id, "error", err)
		} else if patient != nil {
			sess.Patient = patient
			sess.Verified = true
		}
	}
	return sess
}

func decodeSession(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: failed to decode session: %w", err)
	}
	if sess.ConversationHistory == nil {
		sess.ConversationHistory = []ChatMessage{}
	}
	return &sess, nil
}
