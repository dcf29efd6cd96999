package persona_test

import (
	"testing"

	"github.com/MrWong99/questvoice/internal/persona"
)

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	candidates := []string{"elara", "Elara Moonwhisper", "thorin", "Thorin Ironforge", "vex"}
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"exact", "thorin", "thorin", true},
		{"misheard", "torin", "thorin", true},
		{"surname", "ironforge", "Thorin Ironforge", true},
		{"empty", "  ", "", false},
		{"unrelated", "qqq", "", false},
	}

	m := persona.NewMatcher()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, score, ok := m.Match(tc.input, candidates)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Match(%q) = %q, %v (score %.2f); want %q, %v", tc.input, got, ok, score, tc.want, tc.wantOK)
			}
		})
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()
	strict := persona.NewMatcher(persona.WithPhoneticThreshold(1), persona.WithFuzzyThreshold(1))
	if _, _, ok := strict.Match("torin", []string{"thorin"}); ok {
		t.Error("strict matcher accepted an inexact name")
	}
}
