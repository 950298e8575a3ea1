package pkce

import (
	"testing"

	"pgregory.net/rapid"
)

func TestChallenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const want = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := Challenge(verifier); got != want {
		t.Fatalf("Challenge() = %s, want %s", got, want)
	}
	if err := Verify(want, verifier); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestGenerate_VerifiesOnlyItself(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		verifier, challenge, err := Generate()
		if err != nil {
			rt.Fatalf("Generate failed: %v", err)
		}
		if !ValidChallenge(challenge) {
			rt.Fatalf("generated challenge %q is not valid", challenge)
		}
		if err := Verify(challenge, verifier); err != nil {
			rt.Fatalf("own verifier rejected: %v", err)
		}
		other := rapid.StringMatching(`[A-Za-z0-9._~-]{43,128}`).Draw(rt, "other")
		if other != verifier && Verify(challenge, other) == nil {
			rt.Fatalf("foreign verifier %q accepted", other)
		}
	})
}

func TestVerify_RejectsMalformedVerifier(t *testing.T) {
	for _, v := range []string{"", "short", "has spaces in it which are not allowed at all okay", string(make([]byte, 200))} {
		if err := Verify(Challenge(v), v); err != ErrMismatch {
			t.Fatalf("expected mismatch for %q, got %v", v, err)
		}
	}
}
