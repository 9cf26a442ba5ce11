package party_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/peerlend/ledger-engine/internal/party"
)

const validHex = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

func TestParse_Valid(t *testing.T) {
	raw := "alice::1220" + validHex
	id, err := party.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", raw, err)
	}
	if id.String() != raw {
		t.Errorf("String() = %q, want %q", id.String(), raw)
	}
	if id.Name() != "alice" {
		t.Errorf("Name() = %q, want alice", id.Name())
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no separator", "alice1220" + validHex},
		{"missing fingerprint tag", "alice::" + validHex},
		{"short hex", "alice::1220" + validHex[:40]},
		{"uppercase hex", "alice::1220" + strings.ToUpper(validHex)},
		{"trailing garbage", "alice::1220" + validHex + "x"},
		{"spaces in name", "al ice::1220" + validHex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := party.Parse(tc.raw); !errors.Is(err, party.ErrInvalidID) {
				t.Errorf("Parse(%q) = %v, want ErrInvalidID", tc.raw, err)
			}
		})
	}
}

func TestShort_Truncates(t *testing.T) {
	id := party.MustParse("platform-custodian::1220" + validHex)
	short := id.Short()
	if len(short) >= len(id.String()) {
		t.Errorf("Short() did not truncate: %q", short)
	}
	if !strings.HasPrefix(short, "platform-custodian::1220") {
		t.Errorf("Short() lost prefix: %q", short)
	}
}
