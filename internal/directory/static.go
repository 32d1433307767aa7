// Package directory holds a fixed patient/appointment directory for
// development and tests. Production deployments read the clinic tables
// through pg.Directory.
package directory

import (
	"context"
	"sync"

	"steriltrace.org/internal/steril"
)

type Patient struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Appointment struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
}

// Static is an in-memory steril.Directory.
type Static struct {
	mu           sync.RWMutex
	patients     map[string]Patient
	appointments map[string]Appointment
}

var _ steril.Directory = (*Static)(nil)

func NewStatic(patients []Patient, appointments []Appointment) *Static {
	s := &Static{
		patients:     make(map[string]Patient, len(patients)),
		appointments: make(map[string]Appointment, len(appointments)),
	}
	for _, p := range patients {
		s.patients[p.ID] = p
	}
	for _, a := range appointments {
		s.appointments[a.ID] = a
	}
	return s
}

// Demo returns the directory matching the development seed data.
func Demo() *Static {
	return NewStatic(
		[]Patient{
			{ID: "pat-demo-1", Name: "Demo Patient One", Active: true},
			{ID: "pat-demo-2", Name: "Demo Patient Two", Active: true},
			{ID: "pat-demo-3", Name: "Archived Patient", Active: false},
		},
		[]Appointment{{ID: "appt-demo-1", PatientID: "pat-demo-1"}},
	)
}

func (s *Static) PutPatient(p Patient) {
	s.mu.Lock()
	s.patients[p.ID] = p
	s.mu.Unlock()
}

func (s *Static) PutAppointment(a Appointment) {
	s.mu.Lock()
	s.appointments[a.ID] = a
	s.mu.Unlock()
}

func (s *Static) PatientActive(_ context.Context, patientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	return ok && p.Active, nil
}

func (s *Static) AppointmentExists(_ context.Context, appointmentID, patientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[appointmentID]
	return ok && a.PatientID == patientID, nil
}
