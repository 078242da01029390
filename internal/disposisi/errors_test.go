package disposisi_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"disposisi-go/internal/disposisi"
)

func TestIsCode(t *testing.T) {
	t.Run("matches the code of a core error", func(t *testing.T) {
		err := disposisi.NewNotFound("document", 42)
		if !disposisi.IsCode(err, disposisi.CodeNotFound) {
			t.Errorf("IsCode(NOT_FOUND) = false, want true")
		}
		if disposisi.IsCode(err, disposisi.CodeConflict) {
			t.Errorf("IsCode(CONFLICT) = true, want false")
		}
	})

	t.Run("sees through wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", disposisi.NewValidation("bad input"))
		if !disposisi.IsCode(err, disposisi.CodeValidation) {
			t.Errorf("IsCode through fmt.Errorf wrap = false, want true")
		}
	})

	t.Run("rejects non-core errors", func(t *testing.T) {
		if disposisi.IsCode(errors.New("plain"), disposisi.CodeStorage) {
			t.Errorf("IsCode(plain error) = true, want false")
		}
		if disposisi.IsCode(nil, disposisi.CodeStorage) {
			t.Errorf("IsCode(nil) = true, want false")
		}
	})
}

func TestNewStorage_PreservesCause(t *testing.T) {
	err := disposisi.NewStorage("writing chunk", context.DeadlineExceeded)

	if !disposisi.IsCode(err, disposisi.CodeStorage) {
		t.Fatalf("IsCode(STORAGE) = false, want true")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("errors.Is(err, DeadlineExceeded) = false, want true")
	}
}

func TestError_Message(t *testing.T) {
	err := disposisi.NewNotFound("blob", "abc")
	want := "NOT_FOUND: blob not found: abc"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
