package errors

import (
	"errors"
	"testing"
)

func TestDomainError(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		err := New(CodeNotFound, "node not found")
		if err.Error() != "[NOT_FOUND] node not found" {
			t.Errorf("expected [NOT_FOUND] node not found, got %s", err.Error())
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		original := errors.New("fsync failed")
		err := Wrap(original, CodeDurability, "append not durable")
		expected := "[DURABILITY] append not durable: fsync failed"
		if err.Error() != expected {
			t.Errorf("expected %s, got %s", expected, err.Error())
		}
	})

	t.Run("IsCode", func(t *testing.T) {
		err := New(CodeVersionConflict, "expected version 3, have 4")
		if !IsCode(err, CodeVersionConflict) {
			t.Error("expected IsCode to return true for CodeVersionConflict")
		}
		if IsCode(err, CodeNotFound) {
			t.Error("expected IsCode to return false for CodeNotFound")
		}
	})

	t.Run("IsCodeWithWrapped", func(t *testing.T) {
		original := errors.New("crc mismatch")
		err := Wrap(original, CodeCorruption, "record 17 failed verification")
		if !IsCode(err, CodeCorruption) {
			t.Error("expected IsCode to return true for wrapped CodeCorruption")
		}
	})

	t.Run("AddContext", func(t *testing.T) {
		err := New(CodeNotFound, "node not found")
		err = AddContext(err, CtxNode, "user.name")
		var de *DomainError
		if !errors.As(err, &de) {
			t.Fatal("expected DomainError")
		}
		if de.Context[CtxNode] != "user.name" {
			t.Errorf("expected context node user.name, got %v", de.Context[CtxNode])
		}
	})
}
