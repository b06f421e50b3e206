package remote

import (
	"encoding/json"
	"testing"
)

func TestFilterMatches(t *testing.T) {
	doc := json.RawMessage(`{
		"userId": "u1",
		"phone": "5511999990000",
		"memberIds": ["u1", "u2"],
		"members": [{"userId": "u1"}],
		"profile": {"name": "Ana"}
	}`)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"eq match", Filter{Eq("phone", "5511999990000")}, true},
		{"eq mismatch", Filter{Eq("phone", "other")}, false},
		{"eq missing field", Filter{Eq("nope", "x")}, false},
		{"nested eq", Filter{Eq("profile.name", "Ana")}, true},
		{"contains match", Filter{Contains("memberIds", "u2")}, true},
		{"contains mismatch", Filter{Contains("memberIds", "u3")}, false},
		{"contains on non-array", Filter{Contains("phone", "5")}, false},
		{"conjunction", Filter{Eq("userId", "u1"), Contains("memberIds", "u1")}, true},
		{"conjunction one fails", Filter{Eq("userId", "u1"), Contains("memberIds", "u9")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(doc); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterMatchesInvalidJSON(t *testing.T) {
	f := Filter{Eq("a", "b")}
	if f.Matches(json.RawMessage(`not json`)) {
		t.Error("invalid document must not match")
	}
}
