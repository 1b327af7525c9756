package version

import (
	"strings"
	"testing"
)

func TestGetReflectsLinkerVariables(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "1.4.2"

	info := Get()
	if info.Version != "1.4.2" {
		t.Errorf("version: got %q", info.Version)
	}
	if !strings.HasPrefix(info.String(), "vigil 1.4.2 (commit: ") {
		t.Errorf("string: got %q", info.String())
	}
}
