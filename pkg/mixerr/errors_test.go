package mixerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsSentinel(t *testing.T) {
	err := Newf(KindInputCorrupt, "transcode", "clip %s unreadable", "c1")
	if !errors.Is(err, ErrInputCorrupt) {
		t.Error("expected error to match ErrInputCorrupt")
	}
	if errors.Is(err, ErrTranscodeFailed) {
		t.Error("did not expect error to match ErrTranscodeFailed")
	}

	wrapped := fmt.Errorf("plan 3: %w", err)
	if KindOf(wrapped) != KindInputCorrupt {
		t.Errorf("expected kind %s, got %s", KindInputCorrupt, KindOf(wrapped))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("expected unclassified error to be internal")
	}
	if KindOf(fmt.Errorf("x: %w", ErrNotFound)) != KindNotFound {
		t.Error("expected bare sentinel to classify")
	}
	if KindOf(nil) != "" {
		t.Error("expected empty kind for nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTranscodeFailed, true},
		{KindTranscodeTimeout, true},
		{KindInputCorrupt, false},
		{KindCanceled, false},
		{KindInvalidSettings, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := IsRetryable(New(tt.kind, "op", nil)); got != tt.retryable {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.retryable)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	if s := HTTPStatus(New(KindInsufficientCredits, "reserve", nil)); s != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", s)
	}
	if s := HTTPStatus(New(KindInvalidSettings, "validate", nil)); s != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", s)
	}
	if s := HTTPStatus(errors.New("x")); s != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", s)
	}
}

func TestPublicMessageHidesDiagnostics(t *testing.T) {
	err := New(KindTranscodeFailed, "transcode", errors.New("exit status 1")).
		WithDiagnostics("[libx264 @ 0x55] broken pipe")

	msg := PublicMessage(err)
	if msg != "video rendering failed" {
		t.Errorf("unexpected public message %q", msg)
	}
	if DiagnosticsOf(fmt.Errorf("wrap: %w", err)) == "" {
		t.Error("expected diagnostics to survive wrapping")
	}
}
