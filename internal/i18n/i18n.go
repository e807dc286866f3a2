// Package i18n selects the message printer used for command output.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages command output is localized for.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// localeVars are consulted in POSIX precedence order.
var localeVars = []string{"LC_ALL", "LC_MESSAGES", "LANG"}

// LocaleFromEnv returns the first locale set in the environment.
func LocaleFromEnv(getenv func(string) string) string {
	for _, v := range localeVars {
		if l := getenv(v); l != "" {
			return l
		}
	}
	return ""
}

// MatchLocale maps a POSIX locale such as "de_DE.UTF-8@euro" to the best
// supported language. "C", "POSIX" and unparsable values yield DefaultLang.
func MatchLocale(locale string) language.Tag {
	if i := strings.IndexAny(locale, ".@"); i != -1 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	switch locale {
	case "", "C", "POSIX":
		return DefaultLang
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLang
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	return NewPrinter(MatchLocale(LocaleFromEnv(os.Getenv)))
}
