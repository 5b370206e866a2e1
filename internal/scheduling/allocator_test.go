package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annahealth/assistant-platform/internal/fhir"
)

// fakeCalendar is an in-memory scheduling server with one slot. Writes are
// serialized so the busy transition is atomic, mirroring the real server.
type fakeCalendar struct {
	mu          sync.Mutex
	slot        fhir.Slot
	failCreate  bool
	failRelease bool
	created     []fhir.Appointment
}

func (f *fakeCalendar) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /Slot", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		bundle := fhir.Bundle{ResourceType: "Bundle"}
		if f.slot.Status == fhir.SlotFree {
			raw, _ := json.Marshal(f.slot)
			bundle.Entry = []fhir.BundleEntry{{Resource: raw}}
		}
		_ = json.NewEncoder(w).Encode(bundle)
	})

	mux.HandleFunc("GET /Slot/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.TrimPrefix(r.URL.Path, "/Slot/") != f.slot.ID {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(f.slot)
	})

	mux.HandleFunc("PUT /Slot/", func(w http.ResponseWriter, r *http.Request) {
		var incoming fhir.Slot
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if incoming.Status == fhir.SlotFree && f.failRelease {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		if incoming.Status == fhir.SlotBusy && f.slot.Status != fhir.SlotFree {
			http.Error(w, "conflict", http.StatusConflict)
			return
		}
		f.slot.Status = incoming.Status
		_ = json.NewEncoder(w).Encode(f.slot)
	})

	mux.HandleFunc("POST /Appointment", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failCreate {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		var appt fhir.Appointment
		if err := json.NewDecoder(r.Body).Decode(&appt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		appt.ID = "appt-1"
		f.created = append(f.created, appt)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(appt)
	})

	return mux
}

func newTestAllocator(t *testing.T, cal *fakeCalendar) *Allocator {
	t.Helper()
	srv := httptest.NewServer(cal.handler())
	t.Cleanup(srv.Close)
	client, err := fhir.New(fhir.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return NewAllocator(client, nil, nil)
}

func freeSlot() fhir.Slot {
	return fhir.Slot{
		ResourceType: "Slot",
		ID:           "slot-1",
		Status:       fhir.SlotFree,
		Start:        time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		End:          time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func TestFindFreeSlot(t *testing.T) {
	cal := &fakeCalendar{slot: freeSlot()}
	alloc := newTestAllocator(t, cal)
	ctx := context.Background()

	slot, err := alloc.FindFreeSlot(ctx, "Schedule/25549", time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if slot.ID != "slot-1" {
		t.Errorf("slot = %+v", slot)
	}

	cal.mu.Lock()
	cal.slot.Status = fhir.SlotBusy
	cal.mu.Unlock()

	if _, err := alloc.FindFreeSlot(ctx, "Schedule/25549", slot.Start); !errors.Is(err, ErrNoSlot) {
		t.Errorf("err = %v, want ErrNoSlot", err)
	}
}

func TestReserveFlipsFreeToBusy(t *testing.T) {
	cal := &fakeCalendar{slot: freeSlot()}
	alloc := newTestAllocator(t, cal)

	slot, err := alloc.Reserve(context.Background(), "slot-1")
	if err != nil {
		t.Fatal(err)
	}
	if slot.Status != fhir.SlotBusy {
		t.Errorf("status = %q", slot.Status)
	}

	// Reserving an already-busy slot is a conflict, not an error.
	if _, err := alloc.Reserve(context.Background(), "slot-1"); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("err = %v, want ErrSlotConflict", err)
	}
}

func TestConcurrentReserveExactlyOneWins(t *testing.T) {
	cal := &fakeCalendar{slot: freeSlot()}
	alloc := newTestAllocator(t, cal)

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := alloc.Reserve(context.Background(), "slot-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != attempts-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, attempts-1)
	}
}

func TestBookCreatesAppointmentAndKeepsSlotBusy(t *testing.T) {
	cal := &fakeCalendar{slot: freeSlot()}
	alloc := newTestAllocator(t, cal)

	appt, err := alloc.Book(context.Background(), BookingRequest{
		SlotID:         "slot-1",
		PatientID:      "pat-1",
		PractitionerID: "pract-1",
		VisitType:      "consultation",
		Reason:         "annual checkup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if appt.ID != "appt-1" {
		t.Errorf("appointment id = %q", appt.ID)
	}

	cal.mu.Lock()
	defer cal.mu.Unlock()
	if cal.slot.Status != fhir.SlotBusy {
		t.Errorf("slot status = %q, want busy", cal.slot.Status)
	}
	if len(cal.created) != 1 {
		t.Fatalf("appointments created = %d", len(cal.created))
	}
	if got := cal.created[0].Slot[0].ID(); got != "slot-1" {
		t.Errorf("appointment slot ref = %q", got)
	}
	pract, ok := cal.created[0].PractitionerRef()
	if !ok || pract.ID() != "pract-1" {
		t.Errorf("practitioner ref = %+v", pract)
	}
}

func TestBookReleasesSlotWhenCreateFails(t *testing.T) {
	cal := &fakeCalendar{slot: freeSlot(), failCreate: true}
	alloc := newTestAllocator(t, cal)

	_, err := alloc.Book(context.Background(), BookingRequest{
		SlotID:         "slot-1",
		PatientID:      "pat-1",
		PractitionerID: "pract-1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrSlotConflict) {
		t.Fatal("create failure must not look like a slot conflict")
	}

	cal.mu.Lock()
	defer cal.mu.Unlock()
	if cal.slot.Status != fhir.SlotFree {
		t.Errorf("slot status = %q, want free after release", cal.slot.Status)
	}
}

func TestBookConflictHasNoSideEffects(t *testing.T) {
	slot := freeSlot()
	slot.Status = fhir.SlotBusy
	cal := &fakeCalendar{slot: slot}
	alloc := newTestAllocator(t, cal)

	_, err := alloc.Book(context.Background(), BookingRequest{SlotID: "slot-1", PatientID: "p", PractitionerID: "d"})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}

	cal.mu.Lock()
	defer cal.mu.Unlock()
	if len(cal.created) != 0 {
		t.Error("appointment created despite conflict")
	}
}
