package vigilerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsThroughWrapping(t *testing.T) {
	base := errors.New("socket closed")
	err := fmt.Errorf("acknowledge A1: %w", New(CodeNotifyFailed, "notify source", base))

	if !Is(err, CodeNotifyFailed) {
		t.Fatalf("expected %s in chain", CodeNotifyFailed)
	}
	if Is(err, CodeNotFound) {
		t.Errorf("did not expect %s", CodeNotFound)
	}
	if !errors.Is(err, base) {
		t.Error("expected underlying error to be reachable")
	}
	if got := CodeOf(err); got != CodeNotifyFailed {
		t.Errorf("CodeOf: got %q, want %q", got, CodeNotifyFailed)
	}
}

func TestErrorString(t *testing.T) {
	if got, want := New(CodeNotFound, "alert X", nil).Error(), "NotFound: alert X"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf plain error: got %q, want empty", got)
	}
}
