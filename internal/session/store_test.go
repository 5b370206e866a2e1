package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/annahealth/assistant-platform/internal/cache"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := cache.NewRedisStore(client, nil)
	return NewStore(backend, nil, ttl, nil, nil), mr
}

func TestGetCreatesDefaultSession(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "alice@example.com" {
		t.Errorf("ID = %q", sess.ID)
	}
	if sess.Verified {
		t.Error("fresh session is verified")
	}
	if sess.BookingState != nil {
		t.Error("fresh session has booking state")
	}
	if sess.Patient != nil {
		t.Error("fresh session has patient")
	}
	if sess.ConversationHistory == nil {
		t.Error("history not initialized")
	}
}

func TestGetAfterSaveRoundTrips(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Get(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	sess.Verified = true
	sess.Patient = &PatientRef{ID: "pat-1", Name: "Bob Jones"}
	sess.BookingState = &BookingState{
		Step:          StepSelectPractitioner,
		Practitioners: map[string]string{"1": "pract-9"},
	}
	sess.AppendHistory("user", "book an appointment", time.Now())

	if err := store.Save(ctx, "bob@example.com", sess); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified {
		t.Error("Verified lost")
	}
	if got.Patient == nil || got.Patient.ID != "pat-1" {
		t.Errorf("Patient = %+v", got.Patient)
	}
	if got.BookingState == nil || got.BookingState.Step != StepSelectPractitioner {
		t.Errorf("BookingState = %+v", got.BookingState)
	}
	if got.BookingState.Practitioners["1"] != "pract-9" {
		t.Error("choice map lost")
	}
	if len(got.ConversationHistory) != 1 {
		t.Errorf("history length = %d", len(got.ConversationHistory))
	}
}

func TestBackendDownBehaviorUnchanged(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	mr.Close()

	sess, err := store.Get(ctx, "carol@example.com")
	if err != nil {
		t.Fatalf("Get with backend down: %v", err)
	}
	sess.Verified = true
	if err := store.Save(ctx, "carol@example.com", sess); err != nil {
		t.Fatalf("Save with backend down: %v", err)
	}

	got, err := store.Get(ctx, "carol@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified {
		t.Error("mirror did not serve the saved session")
	}
}

func TestMirrorAuthoritativeAfterBackendLoss(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Get(ctx, "dave@example.com")
	if err != nil {
		t.Fatal(err)
	}
	sess.Verified = true
	if err := store.Save(ctx, "dave@example.com", sess); err != nil {
		t.Fatal(err)
	}

	mr.Close()

	got, err := store.Get(ctx, "dave@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified {
		t.Error("session lost when backend went away")
	}
}

func TestExpiredSessionIsGone(t *testing.T) {
	store, mr := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	sess, err := store.Get(ctx, "eve@example.com")
	if err != nil {
		t.Fatal(err)
	}
	sess.Verified = true
	sess.BookingState = &BookingState{Step: StepEnterReason}
	if err := store.Save(ctx, "eve@example.com", sess); err != nil {
		t.Fatal(err)
	}

	time.Sleep(70 * time.Millisecond)
	mr.FastForward(70 * time.Millisecond)

	got, err := store.Get(ctx, "eve@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Verified {
		t.Error("expired session survived")
	}
	if got.BookingState != nil {
		t.Error("in-progress booking survived session expiry")
	}
}

func TestResetPreservesPatient(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Get(ctx, "fay@example.com")
	if err != nil {
		t.Fatal(err)
	}
	sess.Verified = true
	sess.Patient = &PatientRef{ID: "pat-7"}
	sess.BookingState = &BookingState{Step: StepConfirmBooking}
	sess.AppendHistory("user", "hello", time.Now())
	if err := store.Save(ctx, "fay@example.com", sess); err != nil {
		t.Fatal(err)
	}

	fresh, err := store.Reset(ctx, "fay@example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Patient == nil || fresh.Patient.ID != "pat-7" {
		t.Error("patient not preserved")
	}
	if fresh.BookingState != nil {
		t.Error("booking state survived reset")
	}
	if len(fresh.ConversationHistory) != 0 {
		t.Error("history survived reset")
	}

	dropped, err := store.Reset(ctx, "fay@example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	if dropped.Patient != nil {
		t.Error("patient survived non-preserving reset")
	}
}

func TestRejectsJunkWrites(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, "", NewDefault("x", time.Now())); err != ErrEmptyID {
		t.Errorf("Save with empty id = %v, want ErrEmptyID", err)
	}
	if err := store.Save(ctx, "id", nil); err != ErrNilSession {
		t.Errorf("Save with nil session = %v, want ErrNilSession", err)
	}
	if _, err := store.Get(ctx, "  "); err != ErrEmptyID {
		t.Errorf("Get with blank id = %v, want ErrEmptyID", err)
	}
}

func TestUpdateAppliesMutation(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	if _, err := store.Get(ctx, "gus@example.com"); err != nil {
		t.Fatal(err)
	}

	updated, err := store.Update(ctx, "gus@example.com", func(s *Session) {
		s.Verified = true
	})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Verified {
		t.Error("mutation not applied")
	}

	got, err := store.Get(ctx, "gus@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified {
		t.Error("mutation not persisted")
	}
}

type staticVerifier struct{ patient *PatientRef }

func (v staticVerifier) PatientByEmail(_ context.Context, _ string) (*PatientRef, error) {
	return v.patient, nil
}

func TestGetVerifiesPatientByEmail(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := cache.NewRedisStore(client, nil)
	store := NewStore(backend, staticVerifier{patient: &PatientRef{ID: "pat-3", Email: "hal@example.com"}}, time.Minute, nil, nil)
	ctx := context.Background()

	sess, err := store.Get(ctx, "hal@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Patient == nil || sess.Patient.ID != "pat-3" {
		t.Errorf("Patient = %+v", sess.Patient)
	}
	if !sess.Verified {
		t.Error("session not marked verified")
	}
}

func TestHistoryBound(t *testing.T) {
	sess := NewDefault("id", time.Now())
	for i := 0; i < maxHistoryMessages+5; i++ {
		sess.AppendHistory("user", "msg", time.Now())
	}
	if len(sess.ConversationHistory) != maxHistoryMessages {
		t.Errorf("history length = %d, want %d", len(sess.ConversationHistory), maxHistoryMessages)
	}
}
