package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_WatchAndLookup(t *testing.T) {
	r := NewSessionRegistry()
	r.Watch("run-1", "sess-a")
	r.Watch("run-1", "sess-b")
	r.Watch("run-1", "sess-a")

	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, r.SessionsFor("run-1"))
	assert.Empty(t, r.SessionsFor("run-2"))
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()
	r.Watch("run-1", "sess-a")
	r.Watch("run-2", "sess-a")
	r.Watch("run-2", "sess-b")

	r.Remove("sess-a")

	assert.Empty(t, r.SessionsFor("run-1"))
	assert.Equal(t, []string{"sess-b"}, r.SessionsFor("run-2"))
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Watch("run-1", "sess-a")
	r.Watch("run-2", "sess-a")

	r.Forget("run-1")

	assert.Empty(t, r.SessionsFor("run-1"))
	assert.Equal(t, []string{"sess-a"}, r.SessionsFor("run-2"))
}
