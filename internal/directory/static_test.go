package directory

import (
	"context"
	"testing"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	d := Demo()

	if ok, _ := d.PatientActive(ctx, "pat-demo-1"); !ok {
		t.Fatalf("expected pat-demo-1 active")
	}
	if ok, _ := d.PatientActive(ctx, "pat-demo-3"); ok {
		t.Fatalf("expected archived patient inactive")
	}
	if ok, _ := d.PatientActive(ctx, "nobody"); ok {
		t.Fatalf("expected unknown patient inactive")
	}
	if ok, _ := d.AppointmentExists(ctx, "appt-demo-1", "pat-demo-2"); ok {
		t.Fatalf("appointment must belong to the patient")
	}

	d.PutPatient(Patient{ID: "p-new", Active: true})
	d.PutAppointment(Appointment{ID: "a-new", PatientID: "p-new"})
	if ok, _ := d.AppointmentExists(ctx, "a-new", "p-new"); !ok {
		t.Fatalf("expected new appointment")
	}
}
