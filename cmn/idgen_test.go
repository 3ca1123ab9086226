package cmn

import "testing"

func TestNewEntityIDMonotonicSeq(t *testing.T) {
	a := NewEntityID(1)
	b := NewEntityID(1)
	if b.Seq <= a.Seq {
		t.Fatalf("expected strictly increasing Seq, got %d then %d", a.Seq, b.Seq)
	}
	if a.ShortID == "" || b.ShortID == "" {
		t.Fatal("ShortID must never be empty")
	}
	if a.ShortID == b.ShortID {
		t.Fatal("two entities minted back to back must not share a ShortID")
	}
}

func TestEntityIDLessTotalOrder(t *testing.T) {
	a := EntityID{HostName: "h1", ProcessID: 1, Seq: 1}
	b := EntityID{HostName: "h1", ProcessID: 1, Seq: 2}
	c := EntityID{HostName: "h2", ProcessID: 1, Seq: 1}

	if !a.Less(b) {
		t.Fatal("a should sort before b on Seq")
	}
	if !a.Less(c) {
		t.Fatal("a should sort before c on HostName")
	}
	if a.Less(a) {
		t.Fatal("a must not be less than itself")
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if id == "" {
			t.Fatal("request id must never be empty")
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
