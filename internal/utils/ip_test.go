package utils

import "testing"

func TestIPAllowList(t *testing.T) {
	l, err := NewIPAllowList([]string{"10.0.0.0/8", " 192.168.1.7 ", "", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := l.Allowed(tt.ip); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestEmptyAllowListAllowsEveryone(t *testing.T) {
	l, err := NewIPAllowList(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !l.Empty() || !l.Allowed("8.8.8.8") {
		t.Fatalf("empty list should allow everyone")
	}
	var nilList *IPAllowList
	if !nilList.Allowed("8.8.8.8") {
		t.Fatalf("nil list should allow everyone")
	}
}

func TestInvalidNetwork(t *testing.T) {
	if _, err := NewIPAllowList([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected error for invalid mask")
	}
}
