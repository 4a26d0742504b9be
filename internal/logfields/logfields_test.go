package logfields

import (
	"errors"
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"RunID", KeyRunID, "r1", RunID("r1")},
		{"Project", KeyProject, "foo", Project("foo")},
		{"CommitHash", KeyCommitHash, "abc123", CommitHash("abc123")},
		{"DistroHash", KeyDistroHash, "d1", DistroHash("d1")},
		{"ExtendedHash", KeyExtendedHash, "e1", ExtendedHash("e1")},
		{"Status", KeyStatus, "SUCCESS", Status("SUCCESS")},
		{"Component", KeyComponent, "tripleo", Component("tripleo")},
		{"Promotion", KeyPromotion, "current", Promotion("current")},
		{"Worker", KeyWorker, "w1", Worker("w1")},
		{"Driver", KeyDriver, "script", Driver("script")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"URL", KeyURL, "http://example", URL("http://example")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

func TestNumericHelpers(t *testing.T) {
	if v := CommitID(7); v.Key != KeyCommitID || v.Value.Int64() != 7 {
		t.Fatalf("CommitID mismatch: %v", v)
	}
	if v := Count(3); v.Key != KeyCount {
		t.Fatalf("Count key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError || attr.Value.String() != "" {
		t.Fatalf("unexpected nil error attr: %v", attr)
	}
	attr = Error(errors.New("err-test"))
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

func TestCommitGroup(t *testing.T) {
	attr := Commit("foo", "abc123", "d1")
	if attr.Key != "commit" || attr.Value.Kind() != slog.KindGroup {
		t.Fatalf("expected commit group, got %v", attr)
	}
	if n := len(attr.Value.Group()); n != 3 {
		t.Fatalf("expected 3 grouped attrs, got %d", n)
	}
}
