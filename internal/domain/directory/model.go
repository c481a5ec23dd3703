// Package directory reads the facility and actor directories owned by other
// services. Nothing here writes to them.
package directory

import (
	"context"
	"errors"
	"strings"
)

var ErrActorNotFound = errors.New("actor not found")

const (
	RoleDoctor = "doctor"
	RoleNurse  = "nurse"
)

type Facility struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Code     string `json:"code"`
	Province string `json:"province"`
	Active   bool   `json:"active"`
}

type Actor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	FacilityIDs []string `json:"facility_ids"`
	Active      bool     `json:"active"`
}

// IsClinical reports whether the actor may request clinical data at all.
func (a *Actor) IsClinical() bool {
	switch strings.ToLower(a.Role) {
	case RoleDoctor, RoleNurse:
		return true
	}
	return false
}

func (a *Actor) AssociatedWith(facilityID string) bool {
	for _, id := range a.FacilityIDs {
		if id == facilityID {
			return true
		}
	}
	return false
}

// FacilityDirectory resolves facility ids. Unknown ids yield
// apperr.ErrFacilityNotFound.
type FacilityDirectory interface {
	LookupFacility(ctx context.Context, facilityID string) (*Facility, error)
}

// ActorDirectory resolves actor ids. Unknown ids yield ErrActorNotFound.
type ActorDirectory interface {
	GetActor(ctx context.Context, actorID string) (*Actor, error)
}

type Repository interface {
	FacilityDirectory
	ActorDirectory
	ListFacilities(ctx context.Context) ([]*Facility, error)
}
