package discovery

import (
	"testing"
)

func TestDetectTargetType(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected TargetType
	}{
		{"CIDR /24", "192.168.1.0/24", TargetTypeCIDR},
		{"CIDR /16", "10.0.0.0/16", TargetTypeCIDR},
		{"CIDR /32", "192.168.1.100/32", TargetTypeCIDR},
		{"CIDR with spaces", " 192.168.1.0/24 ", TargetTypeCIDR},

		{"Range simple", "192.168.1.1-192.168.1.10", TargetTypeRange},
		{"Range cross subnet", "192.168.1.250-192.168.2.10", TargetTypeRange},
		{"Range with spaces", " 192.168.1.1 - 192.168.1.10 ", TargetTypeRange},

		{"Single IPv4", "192.168.1.100", TargetTypeSingle},
		{"Single IPv4 with spaces", " 192.168.1.100 ", TargetTypeSingle},

		{"Invalid CIDR", "192.168.1.0/33", TargetTypeUnknown},
		{"Invalid range format", "192.168.1.1-invalid", TargetTypeUnknown},
		{"Invalid IP", "999.999.999.999", TargetTypeUnknown},
		{"Empty string", "", TargetTypeUnknown},
		{"Hostname", "printer.example.com", TargetTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DetectTargetType(tt.value)
			if result != tt.expected {
				t.Errorf("DetectTargetType(%q) = %v, want %v", tt.value, result, tt.expected)
			}
		})
	}
}

func TestExpandTargetSingleIP(t *testing.T) {
	got, err := ExpandTarget(" 192.168.1.100 ")
	if err != nil {
		t.Fatalf("ExpandTarget() error = %v", err)
	}
	if len(got) != 1 || got[0] != "192.168.1.100" {
		t.Errorf("ExpandTarget() = %v", got)
	}
}

func TestExpandTargetCIDR(t *testing.T) {
	got, err := ExpandTarget("192.168.1.0/29")
	if err != nil {
		t.Fatalf("ExpandTarget() error = %v", err)
	}
	// /29 has 8 addresses; network and broadcast are excluded.
	want := []string{
		"192.168.1.1", "192.168.1.2", "192.168.1.3",
		"192.168.1.4", "192.168.1.5", "192.168.1.6",
	}
	if len(got) != len(want) {
		t.Fatalf("ExpandTarget() returned %d addresses, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExpandTarget()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpandTargetCIDRSlash32(t *testing.T) {
	got, err := ExpandTarget("192.168.1.100/32")
	if err != nil {
		t.Fatalf("ExpandTarget() error = %v", err)
	}
	if len(got) != 1 || got[0] != "192.168.1.100" {
		t.Errorf("ExpandTarget(/32) = %v", got)
	}
}

func TestExpandTargetCIDRTooLarge(t *testing.T) {
	if _, err := ExpandTarget("10.0.0.0/8"); err == nil {
		t.Fatal("expected error for oversized CIDR block")
	}
}

func TestExpandTargetRange(t *testing.T) {
	got, err := ExpandTarget("192.168.1.253-192.168.2.2")
	if err != nil {
		t.Fatalf("ExpandTarget() error = %v", err)
	}
	want := []string{"192.168.1.253", "192.168.1.254", "192.168.1.255", "192.168.2.0", "192.168.2.1", "192.168.2.2"}
	if len(got) != len(want) {
		t.Fatalf("ExpandTarget() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExpandTarget()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpandTargetRangeReversed(t *testing.T) {
	if _, err := ExpandTarget("192.168.1.50-192.168.1.1"); err == nil {
		t.Fatal("expected error for reversed range")
	}
}

func TestValidateTarget(t *testing.T) {
	if err := ValidateTarget("192.168.1.0/24"); err != nil {
		t.Errorf("ValidateTarget(valid) = %v", err)
	}
	if err := ValidateTarget("not-a-target"); err == nil {
		t.Error("ValidateTarget(invalid) = nil, want error")
	}
}
