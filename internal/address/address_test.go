package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_BoundaryCases(t *testing.T) {
	cases := []struct {
		addr    string
		wantErr bool
	}{
		{"example.com:8080", true},
		{"[2001:db8::1]:8080", true},
		{"[fe00::/1", true},
		{"fe00::]/1", true},
		{"2001:db8::1", false},
		{"2001:0db8:85a3:0000:0000:8a2e:0370:7334", false},
		{"[2001:db8::1]", false},
		{"10.0.0.1", false},
		{"10.0.0.0/24", false},
		{"example.com", false},
		{"*.example.com", false},
		{"", true},
	}
	for _, tc := range cases {
		err := Validate(tc.addr)
		if tc.wantErr {
			require.Error(t, err, "address %q", tc.addr)
		} else {
			require.NoError(t, err, "address %q", tc.addr)
		}
	}
}
