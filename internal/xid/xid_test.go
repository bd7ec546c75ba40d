package xid

import (
	"regexp"
	"strings"
	"testing"
)

var documentID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,35}$`)

func TestDocumentIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := DocumentID()
		if !documentID.MatchString(id) {
			t.Fatalf("unexpected document id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewPrefix(t *testing.T) {
	if got := New("lease"); !strings.HasPrefix(got, "lease-") || len(got) != len("lease-")+32 {
		t.Fatalf("unexpected token %q", got)
	}
	if got := New(""); len(got) != 32 {
		t.Fatalf("unexpected bare token %q", got)
	}
}
