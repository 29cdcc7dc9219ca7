package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	// Student IDs are school-issued, not UUIDs: letters, digits, dashes and
	// underscores, between 1 and 64 characters.
	studentIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

const (
	maxNameLength = 128
	maxNoteLength = 512
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateStudentID validates an externally supplied student ID.
func ValidateStudentID(id string) error {
	if id == "" {
		return &ValidationError{
			Field:   "student_id",
			Message: "is required",
		}
	}

	if !studentIDRegex.MatchString(SanitizeString(id)) {
		return &ValidationError{
			Field:   "student_id",
			Message: "must contain only letters, digits, dashes or underscores (max 64 chars)",
		}
	}

	return nil
}

// ValidateStudentName validates a student's display name.
func ValidateStudentName(name string) error {
	name = SanitizeString(name)

	if name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "is required",
		}
	}

	if len(name) > maxNameLength {
		return &ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNameLength),
		}
	}

	return nil
}

// ValidateNote validates an optional redemption note.
func ValidateNote(note string) error {
	if len(note) > maxNoteLength {
		return &ValidationError{
			Field:   "note",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNoteLength),
		}
	}
	return nil
}

// SanitizeString strips control characters (except whitespace) and trims the result.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateTimeString parses an RFC3339 timestamp.
func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
