package monitor

import (
	"strings"
	"testing"
	"time"
)

func TestAlertKeyTruncatesDescription(t *testing.T) {
	a := Issue{Type: IssueStuckLock, Description: strings.Repeat("x", 50) + "tail-a"}
	b := Issue{Type: IssueStuckLock, Description: strings.Repeat("x", 50) + "tail-b"}
	if alertKey(a) != alertKey(b) {
		t.Errorf("keys differ: %q vs %q", alertKey(a), alertKey(b))
	}
	if alertKey(a) == alertKey(Issue{Type: IssueInvalidStatus, Description: a.Description}) {
		t.Error("key ignores type")
	}
}

func TestFixesCappedPerType(t *testing.T) {
	l := newAlertLimiter(time.Minute, 10, 20)
	var in []Fix
	for i := 0; i < 25; i++ {
		in = append(in, Fix{Type: FixLockReleased})
	}
	in = append(in, Fix{Type: FixDraftDeleted})

	out := l.fixes(in)
	if len(out) != 21 {
		t.Errorf("fixes = %d, want 21", len(out))
	}
}

func TestLimiterForgetsExpiredKeys(t *testing.T) {
	l := newAlertLimiter(time.Minute, 10, 20)
	now := time.Now()
	l.issues([]Issue{{Type: IssueStuckLock, Description: "a"}}, now)
	if len(l.last) != 1 {
		t.Fatalf("tracked keys = %d, want 1", len(l.last))
	}
	l.issues(nil, now.Add(2*time.Minute))
	if len(l.last) != 0 {
		t.Errorf("tracked keys = %d, want 0", len(l.last))
	}
}
