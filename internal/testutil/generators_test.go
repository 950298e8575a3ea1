package testutil

import (
	"net/mail"
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestEmail_Parses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		addr := Email().Draw(t, "email")
		if _, err := mail.ParseAddress(addr); err != nil {
			t.Fatalf("ParseAddress(%q): %v", addr, err)
		}
	})
}

func TestCaseVariant_PreservesLetters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := Email().Draw(t, "email")
		if v := CaseVariant(t, s, "variant"); !strings.EqualFold(v, s) {
			t.Fatalf("CaseVariant(%q) = %q", s, v)
		}
	})
}

func TestHostileString_ValidUTF8(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := HostileString().Draw(t, "s")
		if !utf8.ValidString(s) {
			t.Fatalf("HostileString produced invalid UTF-8: %q", s)
		}
	})
}

func TestArbitraryUnicode_InvisibleRunesEscaped(t *testing.T) {
	seen := map[string]bool{}
	rapid.Check(t, func(t *rapid.T) {
		seen[arbitraryUnicode().Draw(t, "s")] = true
	})
	for _, want := range []string{"\uFEFF", "\u200B"} {
		if !seen[want] {
			t.Logf("%q not drawn in this run", want)
		}
	}
}
