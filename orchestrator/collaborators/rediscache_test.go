package collaborators

import "testing"

func TestNewRedisCache_InvalidURL(t *testing.T) {
	if _, err := NewRedisCache("not-a-redis-url://\x7f"); err == nil {
		t.Fatal("expected an error for a malformed redis URL")
	}
}

func TestNewRedisCache_UnreachableServer(t *testing.T) {
	// A valid URL pointing at a port nothing listens on should fail the
	// connectivity ping rather than returning a cache that fails silently
	// on first use.
	if _, err := NewRedisCache("redis://127.0.0.1:1"); err == nil {
		t.Fatal("expected an error connecting to an unreachable redis server")
	}
}
