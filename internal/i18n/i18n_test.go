package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLocale(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"en_US.UTF-8", language.English},
		{"de_DE.UTF-8", language.German},
		{"de_AT@euro", language.German},
		{"fr_FR", language.English}, // Fallback
		{"C", language.English},
		{"POSIX", language.English},
		{"", language.English},
		{"not a locale", language.English},
	}

	for _, tt := range tests {
		got := MatchLocale(tt.locale)
		// regions may survive matching; only the base language matters
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "locale: %s", tt.locale)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	env := map[string]string{"LANG": "en_US.UTF-8", "LC_MESSAGES": "de_DE.UTF-8"}
	assert.Equal(t, "de_DE.UTF-8", LocaleFromEnv(func(k string) string { return env[k] }))

	env["LC_ALL"] = "C"
	assert.Equal(t, "C", LocaleFromEnv(func(k string) string { return env[k] }))

	assert.Empty(t, LocaleFromEnv(func(string) string { return "" }))
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	p := NewCLIPrinter()
	assert.Equal(t, "1.234", p.Sprintf("%d", 1234), "German digit grouping")

	t.Setenv("LC_ALL", "C")
	assert.Equal(t, "1,234", NewCLIPrinter().Sprintf("%d", 1234))
}
