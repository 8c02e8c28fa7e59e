package domain

import "testing"

func TestParseUserID(t *testing.T) {
	parsed, err := ParseUserID("@alice:example.org")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Localpart != "alice" || parsed.Domain != "example.org" {
		t.Fatalf("unexpected parts: %+v", parsed)
	}
	if parsed.String() != "@alice:example.org" {
		t.Fatalf("round trip: %s", parsed.String())
	}
}

func TestParseUserIDDomainWithPort(t *testing.T) {
	parsed, err := ParseUserID("@bob:example.org:8448")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Domain != "example.org:8448" {
		t.Fatalf("expected port kept in domain, got %q", parsed.Domain)
	}
}

func TestParseUserIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "alice", "@alice", "@:example.org", "@alice:", "alice:example.org"} {
		if _, err := ParseUserID(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestDomainFromID(t *testing.T) {
	dom, err := DomainFromID("@carol:remote.test")
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	if dom != "remote.test" {
		t.Fatalf("expected remote.test, got %q", dom)
	}
}
