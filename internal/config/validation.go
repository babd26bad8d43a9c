package config

import (
	"fmt"
	"strings"

	"github.com/latra/ChronOBS/internal/protocol"
)

// ValidationErrors collects all problems with operator-supplied input so
// one attempt reports everything at once.
type ValidationErrors struct {
	CodeIssues  []string
	LabelIssues []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.CodeIssues) > 0 || len(e.LabelIssues) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("input validation failed:\n")

	if len(e.CodeIssues) > 0 {
		sb.WriteString("\nRoom code problems:\n")
		for _, issue := range e.CodeIssues {
			sb.WriteString(fmt.Sprintf("  - %s\n", issue))
		}
		sb.WriteString(fmt.Sprintf("\nRoom codes are %d characters from: %s\n",
			protocol.CodeLength, protocol.CodeAlphabet))
	}

	if len(e.LabelIssues) > 0 {
		sb.WriteString("\nDisplay label problems:\n")
		for _, issue := range e.LabelIssues {
			sb.WriteString(fmt.Sprintf("  - %s\n", issue))
		}
		sb.WriteString(fmt.Sprintf("\nLabels are %d-%d characters of letters, digits, and hyphens\n",
			MinLabelLength, MaxLabelLength))
	}

	return sb.String()
}

// ValidateObserveInput checks the room code and display label an observer
// supplies before any broker traffic happens.
func ValidateObserveInput(code, label string) error {
	errs := &ValidationErrors{}

	validateCode(errs, code)
	validateLabel(errs, label)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateCode(errs *ValidationErrors, code string) {
	normalized := protocol.NormalizeCode(code)

	if len(normalized) != protocol.CodeLength {
		errs.CodeIssues = append(errs.CodeIssues,
			fmt.Sprintf("%q is %d characters, want %d", code, len(normalized), protocol.CodeLength))
		return
	}

	for _, r := range normalized {
		if !strings.ContainsRune(protocol.CodeAlphabet, r) {
			errs.CodeIssues = append(errs.CodeIssues,
				fmt.Sprintf("%q contains %q, which is not in the code alphabet", code, string(r)))
		}
	}
}

func validateLabel(errs *ValidationErrors, label string) {
	if len(label) < MinLabelLength || len(label) > MaxLabelLength {
		errs.LabelIssues = append(errs.LabelIssues,
			fmt.Sprintf("%q is %d characters, want %d-%d", label, len(label), MinLabelLength, MaxLabelLength))
		return
	}

	if !labelPattern.MatchString(label) {
		errs.LabelIssues = append(errs.LabelIssues,
			fmt.Sprintf("%q may only contain letters, digits, and hyphens", label))
	}
}
