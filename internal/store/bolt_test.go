package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListTransitions(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, state := range []string{"occupied", "vacant", "occupied"} {
		tr := &Transition{
			State:        state,
			At:           base.Add(time.Duration(i) * time.Minute),
			Queue:        "detect",
			TriggerAgeMs: 3200,
			ThresholdMs:  3000,
		}
		if err := s.SaveTransition(tr); err != nil {
			t.Fatal(err)
		}
		if tr.ID == "" || tr.RecordedAt.IsZero() {
			t.Errorf("transition %d not stamped: %+v", i, tr)
		}
	}

	got, err := s.ListTransitions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if !got[0].At.Equal(base.Add(2*time.Minute)) || !got[2].At.Equal(base) {
		t.Errorf("order = %v, %v, %v", got[0].At, got[1].At, got[2].At)
	}
	if got[1].State != "vacant" || got[1].TriggerAgeMs != 3200 {
		t.Errorf("middle = %+v", got[1])
	}
	if got[0].ID == got[1].ID {
		t.Error("duplicate IDs")
	}
}

func TestListTransitionsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.SaveTransition(&Transition{State: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListTransitions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].State != "4" || got[1].State != "3" {
		t.Errorf("got %d entries, first = %+v", len(got), got)
	}
}

func TestListTransitionsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ListTransitions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestTransitionsPruned(t *testing.T) {
	s := newTestStore(t)
	s.maxTransitions = 3

	for i := 0; i < 7; i++ {
		if err := s.SaveTransition(&Transition{State: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListTransitions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"6", "5", "4"} {
		if got[i].State != want {
			t.Errorf("got[%d] = %s, want %s", i, got[i].State, want)
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSettings()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	want := &Settings{PollIntervalMs: 100, ConfirmMs: 2500, VacateHoldoffMs: 1500, JitterMs: 5}
	if err := s.SaveSettings(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	if got.PollIntervalMs != 100 || got.ConfirmMs != 2500 || got.VacateHoldoffMs != 1500 || got.JitterMs != 5 {
		t.Errorf("settings = %+v", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTransition(&Transition{State: "occupied"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSettings(&Settings{PollIntervalMs: 50}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.ListTransitions(0)
	if err != nil || len(got) != 1 || got[0].State != "occupied" {
		t.Errorf("transitions = %+v, %v", got, err)
	}
	st, err := s.GetSettings()
	if err != nil || st.PollIntervalMs != 50 {
		t.Errorf("settings = %+v, %v", st, err)
	}
}
