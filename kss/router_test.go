package kss

import "testing"

func TestParseSourceRefWave(t *testing.T) {
	t.Parallel()
	ref, err := parseSourceRef("pyramid:42:wave:3")
	if err != nil {
		t.Fatalf("parseSourceRef: %v", err)
	}
	if ref.sessionID != 42 || ref.kind != refWave || ref.waveNum != 3 {
		t.Errorf("parsed = %+v, want session=42 kind=wave wave=3", ref)
	}
}

func TestParseSourceRefTP(t *testing.T) {
	t.Parallel()
	ref, err := parseSourceRef("pyramid:42:tp")
	if err != nil {
		t.Fatalf("parseSourceRef: %v", err)
	}
	if ref.sessionID != 42 || ref.kind != refTP {
		t.Errorf("parsed = %+v, want session=42 kind=tp", ref)
	}
}

func TestParseSourceRefMalformed(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"pyramid:abc:tp",
		"pyramid:42",
		"pyramid:42:wave:x",
		"pyramid:42:wave",
		"notpyramid:42:tp",
		"pyramid:42:tp:extra",
	}
	for _, c := range cases {
		if _, err := parseSourceRef(c); err == nil {
			t.Errorf("parseSourceRef(%q) = nil error, want error", c)
		}
	}
}
