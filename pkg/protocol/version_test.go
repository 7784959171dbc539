package protocol_test

import (
	"testing"

	"github.com/qshield-labs/qkdlink/pkg/protocol"
)

func TestVersionString(t *testing.T) {
	v := protocol.Version{Major: 1, Minor: 2}
	if v.String() != "1.2" {
		t.Errorf("got %q, want 1.2", v.String())
	}
}

func TestVersionCompatibility(t *testing.T) {
	tests := []struct {
		a, b protocol.Version
		want bool
	}{
		{protocol.Version{Major: 1, Minor: 0}, protocol.Version{Major: 1, Minor: 0}, true},
		{protocol.Version{Major: 1, Minor: 0}, protocol.Version{Major: 1, Minor: 5}, true},
		{protocol.Version{Major: 1, Minor: 0}, protocol.Version{Major: 2, Minor: 0}, false},
	}

	for _, tt := range tests {
		if got := tt.a.IsCompatible(tt.b); got != tt.want {
			t.Errorf("%v compatible with %v = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
