package msg

import "fmt"

// Category names one of the three per-deposition message collections.
type Category string

const (
	ToDepositor    Category = "messages-to-depositor"
	FromDepositor  Category = "messages-from-depositor"
	AnnotatorNotes Category = "notes-from-annotator"
)

// Categories returns the known categories in their canonical order.
func Categories() []Category {
	return []Category{ToDepositor, FromDepositor, AnnotatorNotes}
}

// ParseCategory converts a category name into a Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// Mirrored reports whether writes to this category are copied to the
// depositor-facing mirror location.
func (c Category) Mirrored() bool { return c == ToDepositor }

func (c Category) String() string { return string(c) }
