package utils

import (
	"strings"
	"testing"
)

func TestGetPersistentServerID(t *testing.T) {
	dir := t.TempDir()

	// El override manda siempre.
	if id := GetPersistentServerID("srv-7", dir); id != "srv-7" {
		t.Fatalf("expected override to win, got %q", id)
	}

	id := GetPersistentServerID("", dir)
	if id == "" {
		t.Fatal("expected a generated server ID")
	}
	if !strings.HasPrefix(id, "azfilter-") {
		t.Fatalf("expected azfilter- prefix, got %q", id)
	}

	// Estable entre llamadas.
	if again := GetPersistentServerID("", dir); again != id {
		t.Fatalf("expected stable ID, got %q then %q", id, again)
	}
}
