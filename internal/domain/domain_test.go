package domain

import "testing"

func TestTrustStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from TrustStatus
		to   TrustStatus
		want bool
	}{
		{TrustActive, TrustTampered, true},
		{TrustTampered, TrustActive, true},
		{TrustActive, TrustActive, false},
		{TrustTampered, TrustTampered, false},
		{TrustDeactivated, TrustActive, false},
		{TrustDeactivated, TrustTampered, false},
		{TrustActive, TrustDeactivated, false},
		{TrustTampered, TrustDeactivated, false},
		{TrustActive, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{ID: "evt-1", IdentityID: "did-1", LeafHash: "ab"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event: %v", err)
	}
	tests := []struct {
		name  string
		event Event
	}{
		{"missing id", Event{IdentityID: "did-1", LeafHash: "ab"}},
		{"missing identity", Event{ID: "evt-1", LeafHash: "ab"}},
		{"missing leaf hash", Event{ID: "evt-1", IdentityID: "did-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.event.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAlert_Validate(t *testing.T) {
	valid := Alert{IdentityID: "did-1", Reason: "hash_chain_break", Origin: OriginSystem}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid alert: %v", err)
	}
	if err := (Alert{Reason: "r", Origin: OriginManual}).Validate(); err == nil {
		t.Error("expected error for missing identity")
	}
	if err := (Alert{IdentityID: "did-1", Origin: OriginManual}).Validate(); err == nil {
		t.Error("expected error for missing reason")
	}
	if err := (Alert{IdentityID: "did-1", Reason: "r", Origin: "robot"}).Validate(); err == nil {
		t.Error("expected error for unknown origin")
	}
}
