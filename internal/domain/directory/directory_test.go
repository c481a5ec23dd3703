package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

type mockRepo struct {
	facilities map[string]*Facility
	actors     map[string]*Actor
	lookups    int
}

func (m *mockRepo) LookupFacility(_ context.Context, id string) (*Facility, error) {
	m.lookups++
	f, ok := m.facilities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrFacilityNotFound, id)
	}
	return f, nil
}

func (m *mockRepo) GetActor(_ context.Context, id string) (*Actor, error) {
	a, ok := m.actors[id]
	if !ok {
		return nil, ErrActorNotFound
	}
	return a, nil
}

func (m *mockRepo) ListFacilities(_ context.Context) ([]*Facility, error) {
	var out []*Facility
	for _, f := range m.facilities {
		out = append(out, f)
	}
	return out, nil
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		facilities: map[string]*Facility{
			"fac-a": {ID: "fac-a", Name: "Groote Schuur", Code: "WC001", Province: "WC", Active: true},
		},
		actors: map[string]*Actor{
			"dr-a": {ID: "dr-a", Role: "Doctor", FacilityIDs: []string{"fac-a"}, Active: true},
		},
	}
}

func TestCachedRepository_LookupFacilityCaches(t *testing.T) {
	m := newMockRepo()
	c := NewCachedRepository(m, time.Minute)

	for i := 0; i < 3; i++ {
		f, err := c.LookupFacility(context.Background(), "fac-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.Code != "WC001" {
			t.Errorf("expected WC001, got %s", f.Code)
		}
	}
	if m.lookups != 1 {
		t.Errorf("expected 1 backend lookup, got %d", m.lookups)
	}
}

func TestCachedRepository_ReturnsCopies(t *testing.T) {
	c := NewCachedRepository(newMockRepo(), time.Minute)
	f, _ := c.LookupFacility(context.Background(), "fac-a")
	f.Name = "mutated"

	again, _ := c.LookupFacility(context.Background(), "fac-a")
	if again.Name != "Groote Schuur" {
		t.Errorf("expected cached value to be unaffected, got %s", again.Name)
	}
}

func TestCachedRepository_MissNotCached(t *testing.T) {
	m := newMockRepo()
	c := NewCachedRepository(m, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := c.LookupFacility(context.Background(), "nope"); !errors.Is(err, apperr.ErrFacilityNotFound) {
			t.Errorf("expected ErrFacilityNotFound, got %v", err)
		}
	}
	if m.lookups != 2 {
		t.Errorf("expected misses to reach the backend, got %d lookups", m.lookups)
	}
}

func TestCachedRepository_Invalidate(t *testing.T) {
	m := newMockRepo()
	c := NewCachedRepository(m, time.Minute)
	c.LookupFacility(context.Background(), "fac-a")
	c.Invalidate("fac-a")
	c.LookupFacility(context.Background(), "fac-a")
	if m.lookups != 2 {
		t.Errorf("expected 2 lookups after invalidate, got %d", m.lookups)
	}
}

func TestCachedRepository_ActorsPassThrough(t *testing.T) {
	m := newMockRepo()
	c := NewCachedRepository(m, time.Minute)

	a, err := c.GetActor(context.Background(), "dr-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.IsClinical() {
		t.Fatal("expected doctor to be clinical")
	}
	m.actors["dr-a"].Role = "billing"
	a, _ = c.GetActor(context.Background(), "dr-a")
	if a.IsClinical() {
		t.Error("expected role change to be visible immediately")
	}
}

func TestActor_IsClinical(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"doctor", true},
		{"Nurse", true},
		{"admin", false},
		{"", false},
	}
	for _, tt := range tests {
		a := &Actor{Role: tt.role}
		if got := a.IsClinical(); got != tt.want {
			t.Errorf("role %q: expected %v, got %v", tt.role, tt.want, got)
		}
	}
}

func TestActor_AssociatedWith(t *testing.T) {
	a := &Actor{FacilityIDs: []string{"fac-a", "fac-b"}}
	if !a.AssociatedWith("fac-b") {
		t.Error("expected association with fac-b")
	}
	if a.AssociatedWith("fac-c") {
		t.Error("expected no association with fac-c")
	}
}

func TestCachedRepository_Warm(t *testing.T) {
	m := newMockRepo()
	m.facilities["fac-b"] = &Facility{ID: "fac-b", Name: "Chris Hani Baragwanath", Code: "GP001", Province: "GP", Active: true}
	c := NewCachedRepository(m, time.Minute)

	n, err := c.Warm(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 facilities, got %d", n)
	}
	for _, id := range []string{"fac-a", "fac-b"} {
		if _, err := c.LookupFacility(context.Background(), id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if m.lookups != 0 {
		t.Errorf("expected warmed lookups to skip the backend, got %d", m.lookups)
	}
}
