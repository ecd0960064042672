package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestTagAndKindOfRoundTrip(t *testing.T) {
	base := errors.New("bus busy")
	tagged := Tag(base, KindResourceBusy)

	if KindOf(tagged) != KindResourceBusy {
		t.Fatalf("KindOf = %v, want resource_busy", KindOf(tagged))
	}
	if !Is(tagged, KindResourceBusy) {
		t.Fatal("Is should report true for the tagged kind")
	}
	if Is(tagged, KindTransient) {
		t.Fatal("Is should report false for a different kind")
	}
}

func TestTagNilReturnsNil(t *testing.T) {
	if Tag(nil, KindConfiguration) != nil {
		t.Fatal("Tag(nil, ...) should return nil")
	}
}

func TestKindOfUntaggedErrorIsUnknown(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("an untagged error should report KindUnknown")
	}
}

func TestTagPreservesUnwrapForErrorsIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	tagged := Tag(fmt.Errorf("wrapped: %w", sentinel), KindTransient)

	if !errors.Is(tagged, sentinel) {
		t.Fatal("errors.Is should see through the tag to the wrapped sentinel")
	}
}

func TestErrStoppedIsTaggedPreempted(t *testing.T) {
	if KindOf(ErrStopped) != KindPreempted {
		t.Fatalf("ErrStopped kind = %v, want preempted", KindOf(ErrStopped))
	}
}
