package model

import "testing"

func TestPairKeyOrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Error("pair key must not depend on argument order")
	}
}

func TestPairKeyDistinctPairs(t *testing.T) {
	if PairKey("a", "b") == PairKey("a", "c") {
		t.Error("different pairs must produce different keys")
	}
}

func TestSplitPairKey(t *testing.T) {
	key := PairKey("u2", "u1")
	a, b, ok := SplitPairKey(key)
	if !ok {
		t.Fatalf("SplitPairKey(%q) not ok", key)
	}
	if a != "u1" || b != "u2" {
		t.Errorf("got (%q, %q), want (u1, u2)", a, b)
	}

	if _, _, ok := SplitPairKey("nounderscore"); ok {
		t.Error("malformed key should not parse")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+55 (11) 91234-5678", "5511912345678"},
		{"0055 11 91234 5678", "5511912345678"},
		{"111", "111"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatOther(t *testing.T) {
	c := Chat{
		ChatID:    PairKey("u1", "u2"),
		MemberIDs: []string{"u1", "u2"},
		Members: []Member{
			{UserID: "u1", Name: "A"},
			{UserID: "u2", Name: "B"},
		},
	}
	if got := c.Other("u1"); got.UserID != "u2" {
		t.Errorf("Other(u1) = %q, want u2", got.UserID)
	}
	if got := c.Other("u2"); got.UserID != "u1" {
		t.Errorf("Other(u2) = %q, want u1", got.UserID)
	}
	if !c.HasMember("u1") || c.HasMember("u3") {
		t.Error("HasMember mismatch")
	}
}
