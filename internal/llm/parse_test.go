package llm

import "testing"

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object passes through", `{"query":"casey"}`, `{"query":"casey"}`},
		{"surrounding whitespace trimmed", "  {\"limit\":5}\n", `{"limit":5}`},
		{"empty object", `{}`, `{}`},
		{"empty string", "", `{}`},
		{"whitespace only", "   ", `{}`},
		{"undefined literal", "undefined", `{}`},
		{"null literal", "null", `{}`},
		{"truncated json", `{"query":`, `{}`},
		{"trailing garbage", `{} oops`, `{}`},
		{"array rejected", `[1,2,3]`, `{}`},
		{"bare string rejected", `"casey"`, `{}`},
		{"bare number rejected", `42`, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeArgs(tt.raw)
			if string(got) != tt.want {
				t.Errorf("NormalizeArgs(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}
