package email

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Trader@Example.COM  ", "trader@example.com"},
		{"already@lower.co", "already@lower.co"},
		{"\tTAB@x.io\n", "tab@x.io"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("a@b.co") {
		t.Error("expected a@b.co to be valid")
	}
	if Valid("not-an-email") {
		t.Error("expected not-an-email to be invalid")
	}
	if Valid("") {
		t.Error("expected empty address to be invalid")
	}
	long := strings.Repeat("a", MaxLength) + "@example.com"
	if Valid(long) {
		t.Error("expected over-length address to be invalid")
	}
}
