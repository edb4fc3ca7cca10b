package device

import (
	"testing"

	"github.com/google/uuid"
)

func TestAgentIDFor(t *testing.T) {
	a := AgentIDFor("00:1A:2B:3C:4D:5E")
	b := AgentIDFor("00-1a-2b-3c-4d-5e")
	if a != b {
		t.Errorf("same MAC, different ids: %s %s", a, b)
	}
	if AgentIDFor("00:1a:2b:3c:4d:5f") == a {
		t.Error("different MACs share an id")
	}
	id, err := uuid.Parse(a)
	if err != nil {
		t.Fatal(err)
	}
	if id.Version() != 5 {
		t.Errorf("version = %d, want 5", id.Version())
	}
}

func TestAgentID(t *testing.T) {
	if _, err := uuid.Parse(AgentID()); err != nil {
		t.Fatal(err)
	}
}
