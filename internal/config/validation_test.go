package config

import (
	"strings"
	"testing"
)

func TestValidateObserveInput_Valid(t *testing.T) {
	if err := ValidateObserveInput("A2B3C", "Caster-1"); err != nil {
		t.Errorf("expected no error for valid input, got: %v", err)
	}
}

func TestValidateObserveInput_LowercaseCodeAccepted(t *testing.T) {
	// Operators type codes however they heard them; normalization handles
	// the case.
	if err := ValidateObserveInput("a2b3c", "Caster-1"); err != nil {
		t.Errorf("expected lowercase code to pass validation, got: %v", err)
	}
}

func TestValidateObserveInput_WrongLength(t *testing.T) {
	err := ValidateObserveInput("A2B", "Caster-1")
	if err == nil {
		t.Fatal("expected error for short code")
	}
	if !strings.Contains(err.Error(), "3 characters, want 5") {
		t.Errorf("error should mention the length, got: %v", err)
	}
}

func TestValidateObserveInput_BadCodeCharacter(t *testing.T) {
	err := ValidateObserveInput("A0B3C", "Caster-1")
	if err == nil {
		t.Fatal("expected error for ambiguous character")
	}
	if !strings.Contains(err.Error(), `"0"`) {
		t.Errorf("error should name the offending character, got: %v", err)
	}
	if !strings.Contains(err.Error(), "Room codes are 5 characters from:") {
		t.Errorf("error should show the alphabet, got: %v", err)
	}
}

func TestValidateObserveInput_BadLabel(t *testing.T) {
	err := ValidateObserveInput("A2B3C", "ca ster!")
	if err == nil {
		t.Fatal("expected error for label with spaces and punctuation")
	}
	if !strings.Contains(err.Error(), "letters, digits, and hyphens") {
		t.Errorf("error should explain the label charset, got: %v", err)
	}
}

func TestValidateObserveInput_MultipleErrors(t *testing.T) {
	err := ValidateObserveInput("NOPE", "x")
	if err == nil {
		t.Fatal("expected error for bad code and bad label")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "Room code problems:") {
		t.Errorf("error should list code problems, got: %v", err)
	}
	if !strings.Contains(errStr, "Display label problems:") {
		t.Errorf("error should list label problems, got: %v", err)
	}
}
