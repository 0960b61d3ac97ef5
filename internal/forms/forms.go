// Package forms describes editable attribute fields for personas and
// profiles. Each field is a tagged descriptor; consumers switch on the kind
// in one place so adding a kind surfaces every site that needs updating.
package forms

import (
	"fmt"
	"strings"
)

// FieldKind discriminates the descriptor variants.
type FieldKind string

const (
	FieldText   FieldKind = "text"
	FieldNumber FieldKind = "number"
	FieldSelect FieldKind = "select"
	FieldToggle FieldKind = "toggle"
)

// Field describes one editable attribute. Kind decides which of the
// constraint fields apply.
type Field struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`

	// Text constraints.
	MaxLen int `json:"max_len,omitempty"`

	// Number constraints.
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`

	// Select constraints.
	Options []string `json:"options,omitempty"`
}

// Validate checks a raw attribute value against the descriptor. This is the
// single dispatch point over field kinds.
func (f Field) Validate(value any) error {
	if value == nil {
		if f.Required {
			return fmt.Errorf("%s is required", f.Key)
		}
		return nil
	}
	switch f.Kind {
	case FieldText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be text", f.Key)
		}
		if f.Required && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", f.Key)
		}
		if f.MaxLen > 0 && len([]rune(s)) > f.MaxLen {
			return fmt.Errorf("%s exceeds %d characters", f.Key, f.MaxLen)
		}
		return nil
	case FieldNumber:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%s must be a number", f.Key)
		}
		if f.Min != 0 || f.Max != 0 {
			if n < f.Min || (f.Max > f.Min && n > f.Max) {
				return fmt.Errorf("%s must be between %v and %v", f.Key, f.Min, f.Max)
			}
		}
		return nil
	case FieldSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be one of the listed options", f.Key)
		}
		for _, opt := range f.Options {
			if opt == s {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %s", f.Key, strings.Join(f.Options, ", "))
	case FieldToggle:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be true or false", f.Key)
		}
		return nil
	default:
		return fmt.Errorf("unknown field kind %q for %s", f.Kind, f.Key)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ValidateAll checks every attribute against the descriptor set and rejects
// attributes no descriptor covers.
func ValidateAll(fields []Field, attrs map[string]any) error {
	byKey := make(map[string]Field, len(fields))
	for _, f := range fields {
		byKey[f.Key] = f
	}
	for _, f := range fields {
		if f.Required {
			if _, ok := attrs[f.Key]; !ok {
				return fmt.Errorf("%s is required", f.Key)
			}
		}
	}
	for key, value := range attrs {
		f, ok := byKey[key]
		if !ok {
			return fmt.Errorf("unknown attribute %q", key)
		}
		if err := f.Validate(value); err != nil {
			return err
		}
	}
	return nil
}

// PersonaFields is the descriptor set for persona attributes.
func PersonaFields() []Field {
	return []Field{
		{Key: "name", Label: "Name", Kind: FieldText, Required: true, MaxLen: 80},
		{Key: "relationship", Label: "Relationship", Kind: FieldText, MaxLen: 120},
		{Key: "tone", Label: "Tone", Kind: FieldSelect, Options: []string{"warm", "neutral", "playful", "formal"}},
		{Key: "age", Label: "Age", Kind: FieldNumber, Min: 1, Max: 150},
		{Key: "backstory", Label: "Backstory", Kind: FieldText, MaxLen: 2000},
		{Key: "proactive", Label: "Sends first messages", Kind: FieldToggle},
	}
}

// ProfileFields is the descriptor set for user profile attributes.
func ProfileFields() []Field {
	return []Field{
		{Key: "display_name", Label: "Display name", Kind: FieldText, Required: true, MaxLen: 80},
		{Key: "pronouns", Label: "Pronouns", Kind: FieldText, MaxLen: 40},
		{Key: "about", Label: "About you", Kind: FieldText, MaxLen: 2000},
	}
}
