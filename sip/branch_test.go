package sip_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/siptx/sip"
)

func TestIsRFC3261Branch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		branch string
		want   bool
	}{
		{"z9hG4bK776asdhds", true},
		{"Z9HG4BK776asdhds", true},
		{"z9hG4bK", false},
		{"776asdhds", false},
		{"", false},
	}
	for _, c := range cases {
		if got := sip.IsRFC3261Branch(c.branch); got != c.want {
			t.Errorf("sip.IsRFC3261Branch(%q) = %v, want %v", c.branch, got, c.want)
		}
	}
}

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 1000 {
		b := sip.GenerateBranch()
		if !strings.HasPrefix(b, sip.MagicCookie+".") {
			t.Fatalf("sip.GenerateBranch() = %q, want prefix %q", b, sip.MagicCookie+".")
		}
		if _, ok := seen[b]; ok {
			t.Fatalf("sip.GenerateBranch() = %q, generated twice", b)
		}
		seen[b] = struct{}{}
	}
}

func TestLegacyBranch(t *testing.T) {
	t.Parallel()

	req := newRequest(sip.RequestMethodInvite, "")
	got := sip.LegacyBranch(req)
	if !strings.HasPrefix(got, sip.MagicCookie) {
		t.Fatalf("sip.LegacyBranch(req) = %q, want prefix %q", got, sip.MagicCookie)
	}

	t.Run("retransmission", func(t *testing.T) {
		t.Parallel()

		if again := sip.LegacyBranch(req.Clone()); again != got {
			t.Errorf("sip.LegacyBranch(clone) = %q, want %q", again, got)
		}
	})

	t.Run("other CSeq", func(t *testing.T) {
		t.Parallel()

		other := req.Clone()
		other.Headers.CSeq.SeqNum = 2
		if b := sip.LegacyBranch(other); b == got {
			t.Errorf("sip.LegacyBranch(CSeq 2) = %q, want different from %q", b, got)
		}
	})

	t.Run("other Call-ID", func(t *testing.T) {
		t.Parallel()

		other := req.Clone()
		other.Headers.CallID = "call-43"
		if b := sip.LegacyBranch(other); b == got {
			t.Errorf("sip.LegacyBranch(call-43) = %q, want different from %q", b, got)
		}
	})

	t.Run("missing From tag", func(t *testing.T) {
		t.Parallel()

		other := req.Clone()
		other.Headers.From.Tag = ""
		if b := sip.LegacyBranch(other); b == got || b == "" {
			t.Errorf("sip.LegacyBranch(no tag) = %q, want non-empty and different from %q", b, got)
		}
	})
}

func TestLegacyBranch_Deterministic(t *testing.T) {
	t.Parallel()

	build := func(callID sip.CallID, fromTag string, seq uint32) *sip.Request {
		req := newRequest(sip.RequestMethodInvite, "")
		req.Headers.CallID = callID
		req.Headers.From.Tag = fromTag
		req.Headers.CSeq.SeqNum = seq
		return req
	}

	base := sip.LegacyBranch(build("c1", "", 1))
	if again := sip.LegacyBranch(build("c1", "", 1)); again != base {
		t.Fatalf("sip.LegacyBranch(c1, \"\", 1) = %q, then %q, want equal", base, again)
	}

	for name, req := range map[string]*sip.Request{
		"Call-ID":  build("c2", "", 1),
		"From tag": build("c1", "x", 1),
		"CSeq":     build("c1", "", 2),
	} {
		if got := sip.LegacyBranch(req); got == base {
			t.Errorf("sip.LegacyBranch() with other %s = %q, want different from %q", name, got, base)
		}
	}
}
