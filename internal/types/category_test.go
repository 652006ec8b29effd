package types

import "testing"

func TestParseCategory(t *testing.T) {
	tests := []struct {
		input string
		want  Category
		valid bool
	}{
		{"price_lookup", CategoryPriceLookup, true},
		{"static_explanation", CategoryStaticExplanation, true},
		{"user_context", CategoryUserContext, true},
		{"default", CategoryDefault, true},
		{"", CategoryDefault, true},
		{"PRICE_LOOKUP", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseCategory(tt.input)
		if ok != tt.valid || got != tt.want {
			t.Errorf("ParseCategory(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.valid)
		}
	}
}

func TestUsageTotal(t *testing.T) {
	if got := (Usage{PromptTokens: 10, CompletionTokens: 5}).Total(); got != 15 {
		t.Errorf("Total() = %d, want 15", got)
	}
	if got := (Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 20}).Total(); got != 20 {
		t.Errorf("Total() = %d, want 20", got)
	}
}
