// Package testutil provides shared generators for property-based tests.
// The hostile-input generators are intentionally aggressive.
package testutil

import (
	"strings"

	"pgregory.net/rapid"
)

// Email generates syntactically valid, mixed-case email addresses.
func Email() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		local := rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9._+-]{0,20}[a-zA-Z0-9]`).Draw(t, "local")
		domain := rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9-]{0,12}[a-zA-Z0-9]`).Draw(t, "domain")
		tld := rapid.SampledFrom([]string{"com", "org", "io", "dev", "co.uk"}).Draw(t, "tld")
		return local + "@" + domain + "." + tld
	})
}

// StrongPassword generates passwords that satisfy the registration policy.
func StrongPassword() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		upper := rapid.StringMatching(`[A-Z]{1,4}`).Draw(t, "upper")
		lower := rapid.StringMatching(`[a-z]{4,20}`).Draw(t, "lower")
		digits := rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "digits")
		symbols := rapid.StringMatching(`[!@#$%^&*]{0,3}`).Draw(t, "symbols")
		pw := upper + lower + digits + symbols
		for len(pw) < 12 {
			pw += "x"
		}
		return pw
	})
}

// CaseVariant returns s with a random subset of ASCII letters upper-cased.
func CaseVariant(t *rapid.T, s string, label string) string {
	mask := rapid.SliceOfN(rapid.Bool(), len(s), len(s)).Draw(t, label)
	var b strings.Builder
	for i, r := range s {
		if i < len(mask) && mask[i] {
			b.WriteString(strings.ToUpper(string(r)))
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
	}
	return b.String()
}

// DeviceFingerprint generates stable installation identifiers.
func DeviceFingerprint() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-f0-9]{32,64}`)
}

// DeviceName generates human device names.
func DeviceName() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[A-Za-z][A-Za-z0-9 '-]{0,40}`),
		arbitraryUnicode(),
	)
}

// OpaqueToken generates strings shaped like bearer tokens, states and codes
// but never minted by the server.
func OpaqueToken() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[A-Za-z0-9_-]{1,86}`),
		rapid.StringMatching(`[A-Za-z0-9_-]{10,40}\.[A-Za-z0-9_-]{10,80}\.[A-Za-z0-9_-]{10,86}`),
		HostileString(),
	)
}

// HostileString generates inputs that break naive parsers and query builders.
func HostileString() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.String(),
		rapid.Just(""),
		rapid.Just("\x00"),
		rapid.Just("test\x00test"),
		rapid.StringMatching(`[\x00-\x1F]{1,10}`),
		arbitrarySQLInjection(),
		arbitraryUnicode(),
		arbitraryWhitespace(),
	)
}

func arbitrarySQLInjection() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		`' OR 1=1 --`,
		`'; DROP TABLE users; --`,
		`" OR "1"="1`,
		`1; SELECT * FROM cli_refresh_tokens`,
		`admin'--`,
		`' UNION SELECT token_hash FROM cli_refresh_tokens --`,
		`' OR ''='`,
		`%27%20OR%20%271%27%3D%271`,
		`<script>alert('xss')</script>`,
	})
}

func arbitraryUnicode() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"日本語",
		"العربية",
		"🔥🎉💻🚀",
		"Zürich",
		"Москва",
		"\u200B",
		"\uFEFF",
		"à",
		"\u202E" + "reversed" + "\u202C",
		"🧑\u200D💻",
		"test\u00A0space",
		"line\u2028separator",
	})
}

func arbitraryWhitespace() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		" ",
		"\t",
		"\n",
		"\r\n",
		" \t \n ",
		"  test  ",
		"line1\nline2",
		"\u00A0",
		"\u3000",
	})
}
