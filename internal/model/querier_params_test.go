package model

import (
	"net"
	"testing"
)

func TestIsLinkLocalScope(t *testing.T) {
	cases := []struct {
		group string
		want  bool
	}{
		{"224.0.0.1", true},
		{"224.0.0.251", true},
		{"239.0.75.0", false},
		{"232.1.1.1", false},
		{"ff02::1", true},
		{"ff02::fb", true},
		{"ff05::7500", false},
		{"ff0e::1", false},
	}
	for _, c := range cases {
		got := IsLinkLocalScope(net.ParseIP(c.group))
		if got != c.want {
			t.Errorf("IsLinkLocalScope(%s) = %v, want %v", c.group, got, c.want)
		}
	}
}

func TestOtherQuerierPresentInterval(t *testing.T) {
	p := DefaultQuerierParams(QuerierModeQuick)
	// 2 * 125s + 10s/2 = 255s
	if got, want := p.OtherQuerierPresentInterval().Seconds(), 255.0; got != want {
		t.Fatalf("OtherQuerierPresentInterval() = %vs, want %vs", got, want)
	}
}

func TestMembershipInterval(t *testing.T) {
	p := DefaultQuerierParams(QuerierModeQuick)
	// 2 * 125s + 10s = 260s
	if got, want := p.MembershipInterval().Seconds(), 260.0; got != want {
		t.Fatalf("MembershipInterval() = %vs, want %vs", got, want)
	}
}

func TestValidateRejectsZeroRobustness(t *testing.T) {
	p := DefaultQuerierParams(QuerierModeQuick)
	p.Robustness = 0
	if err := p.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for zero robustness")
	}
}
