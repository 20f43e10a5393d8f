package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	switch {
	case v == "":
		t.Error("version should not be empty")
	case c == "":
		t.Error("commit should not be empty")
	case d == "":
		t.Error("date should not be empty")
	}

	if GetVersion() != v {
		t.Errorf("GetVersion (%s) should match Info version (%s)", GetVersion(), v)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"service=storefront", "version=", "commit=", "date="} {
		if !strings.Contains(s, part) {
			t.Errorf("String should contain %q, got %q", part, s)
		}
	}
}

func TestFields(t *testing.T) {
	fields := Fields()
	if fields["service"] != Service {
		t.Errorf("unexpected service field: %v", fields["service"])
	}
	if fields["version"] != GetVersion() {
		t.Errorf("unexpected version field: %v", fields["version"])
	}
}
