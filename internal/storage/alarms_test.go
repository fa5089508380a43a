package storage

import "testing"

func TestFindOrCreateOpenAlarm_DedupsOnIncidentKey(t *testing.T) {
	db := openTestDB(t)
	key := "machine-1:profile2:advanced_wear"

	a1, created1, err := db.FindOrCreateOpenAlarm(key, Alarm{ID: "alarm-1", MachineID: "machine-1", Severity: AlarmCritical})
	if err != nil {
		t.Fatalf("first FindOrCreateOpenAlarm: %v", err)
	}
	if !created1 {
		t.Fatal("expected the first call to create a new alarm")
	}

	a2, created2, err := db.FindOrCreateOpenAlarm(key, Alarm{ID: "alarm-2", MachineID: "machine-1", Severity: AlarmCritical})
	if err != nil {
		t.Fatalf("second FindOrCreateOpenAlarm: %v", err)
	}
	if created2 {
		t.Fatal("expected the second call for the same incident_key to be deduped, not create a second alarm")
	}
	if a2.ID != a1.ID {
		t.Fatalf("expected the deduped call to return the original alarm %q, got %q", a1.ID, a2.ID)
	}
}

func TestFindOrCreateOpenAlarm_ReopensAfterResolve(t *testing.T) {
	db := openTestDB(t)
	key := "machine-1:profile1:early_wear"

	first, _, err := db.FindOrCreateOpenAlarm(key, Alarm{ID: "alarm-1", MachineID: "machine-1", Severity: AlarmWarning})
	if err != nil {
		t.Fatalf("FindOrCreateOpenAlarm: %v", err)
	}
	if err := db.ResolveAlarm(first.ID, "recovered to Profile 0 (stable)"); err != nil {
		t.Fatalf("ResolveAlarm: %v", err)
	}

	second, created, err := db.FindOrCreateOpenAlarm(key, Alarm{ID: "alarm-2", MachineID: "machine-1", Severity: AlarmWarning})
	if err != nil {
		t.Fatalf("FindOrCreateOpenAlarm after resolve: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh alarm to be created once the prior one resolved")
	}
	if second.ID == first.ID {
		t.Fatal("expected a new alarm ID after resolve, not the resolved one")
	}
}

func TestIncidentKeyPermanentlyDeduped_RoundTrips(t *testing.T) {
	db := openTestDB(t)
	key := "machine-1:profile2:advanced_wear"

	marked, err := db.IsIncidentKeyPermanentlyDeduped(key)
	if err != nil {
		t.Fatalf("IsIncidentKeyPermanentlyDeduped: %v", err)
	}
	if marked {
		t.Fatal("expected an unmarked incident_key to report false")
	}

	if err := db.MarkIncidentKeyPermanentlyDeduped(key); err != nil {
		t.Fatalf("MarkIncidentKeyPermanentlyDeduped: %v", err)
	}

	marked, err = db.IsIncidentKeyPermanentlyDeduped(key)
	if err != nil {
		t.Fatalf("IsIncidentKeyPermanentlyDeduped after mark: %v", err)
	}
	if !marked {
		t.Fatal("expected the marked incident_key to report true")
	}
}

func TestCreateTicketIfAbsent_Dedups(t *testing.T) {
	db := openTestDB(t)
	key := "machine-1:profile3:fault_event"

	t1, created1, err := db.CreateTicketIfAbsent(key, Ticket{ID: "ticket-1", MachineID: "machine-1", Status: "open"})
	if err != nil {
		t.Fatalf("first CreateTicketIfAbsent: %v", err)
	}
	if !created1 {
		t.Fatal("expected the first ticket to be created")
	}

	t2, created2, err := db.CreateTicketIfAbsent(key, Ticket{ID: "ticket-2", MachineID: "machine-1", Status: "open"})
	if err != nil {
		t.Fatalf("second CreateTicketIfAbsent: %v", err)
	}
	if created2 {
		t.Fatal("expected the incident to never re-emit a ticket while still open")
	}
	if t2.ID != t1.ID {
		t.Fatalf("expected the same ticket %q back, got %q", t1.ID, t2.ID)
	}
}
