package model

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestDraftID(t *testing.T) {
	id := NewDraftID()
	if !IsDraftID(id) {
		t.Errorf("IsDraftID(%q) = false, want true", id)
	}
	if IsDraftID(NewID()) {
		t.Error("IsDraftID(NewID()) = true, want false")
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusEntered, StatusStaged, true},
		{StatusStaged, StatusVerified, true},
		{StatusStaged, StatusEntered, true},
		{StatusStaged, StatusLoaded, true},
		{StatusVerified, StatusLoaded, true},
		{StatusLoaded, StatusShipped, true},
		{StatusEntered, StatusVerified, false},
		{StatusEntered, StatusLoaded, false},
		{StatusVerified, StatusStaged, false},
		{StatusVerified, StatusEntered, false},
		{StatusShipped, StatusLoaded, false},
		{StatusCancelled, StatusEntered, false},
		{StatusCancelled, StatusCancelled, false},
		{"bogus", StatusStaged, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range Statuses {
		if s == StatusCancelled {
			continue
		}
		if !ValidTransition(s, StatusCancelled) {
			t.Errorf("ValidTransition(%q, Cancelled) = false, want true", s)
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range Statuses {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "entered", "STAGED", "Pending"} {
		if ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = true, want false", s)
		}
	}
}

func TestQuantityUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Quantity
		wantErr bool
	}{
		{`10`, 10, false},
		{`"12"`, 12, false},
		{`" 7 "`, 7, false},
		{`3.9`, 3, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"ten"`, 0, true},
		{`true`, 0, true},
		{`1e19`, 0, true},
		{`"-1e300"`, 0, true},
		{`9223372036854775807`, 0, true},
	}
	for _, tt := range tests {
		var q Quantity
		err := json.Unmarshal([]byte(tt.in), &q)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && q != tt.want {
			t.Errorf("Unmarshal(%s) = %d, want %d", tt.in, q, tt.want)
		}
	}
}

func TestReleaseFacetsFlatten(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Release{
		ID:      "r1",
		Status:  StatusStaged,
		Staging: Staging{StagedBy: "u1", StagedAt: &at, StagingLocation: "Dock A"},
		Version: 4,
	}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if doc["stagedBy"] != "u1" {
		t.Errorf("stagedBy = %v, want u1", doc["stagedBy"])
	}
	if doc["stagingLocation"] != "Dock A" {
		t.Errorf("stagingLocation = %v, want Dock A", doc["stagingLocation"])
	}
	if _, ok := doc["Staging"]; ok {
		t.Error("facet should be flattened, found nested Staging key")
	}
	if _, ok := doc["verifiedBy"]; ok {
		t.Error("empty verifiedBy should be omitted")
	}
	if _, ok := doc["Version"]; ok {
		t.Error("Version must not be serialized")
	}
}
