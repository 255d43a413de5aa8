package tsid

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestGenerateFormat(t *testing.T) {
	id := Generate()
	if len(id) != encodedLen {
		t.Fatalf("id %q has length %d, want %d", id, len(id), encodedLen)
	}
	for i := 0; i < len(id); i++ {
		if !strings.Contains(alphabet, string(id[i])) {
			t.Fatalf("id %q contains %q, not in the Crockford alphabet", id, id[i])
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := g.Generate()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestIDsSortByGenerationTime(t *testing.T) {
	// Rows inserted in id order must also poll in creation order: ids
	// from later milliseconds have to compare greater as plain strings.
	g := NewGenerator()
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, g.Generate())
		time.Sleep(2 * time.Millisecond)
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids are not in generation order: %v", ids)
	}
}

func TestTimestampMatchesGenerationTime(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := Generate()
	after := time.Now().Add(time.Millisecond)

	ts, err := Timestamp(id)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp = %v, want within [%v, %v]", ts, before, after)
	}
}

func TestTimestampRejectsMalformedIDs(t *testing.T) {
	for _, id := range []string{"", "short", "0123456789AB!", strings.Repeat("0", encodedLen+1)} {
		if _, err := Timestamp(id); !errors.Is(err, ErrInvalid) {
			t.Errorf("Timestamp(%q) error = %v, want ErrInvalid", id, err)
		}
	}
}

func TestDecodeAcceptsCrockfordAliases(t *testing.T) {
	// O reads as 0, I and L as 1, case-insensitively.
	canonical, err := decode("0110011001100")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	aliased, err := decode("OlIoOiLOoll0o")
	if err != nil {
		t.Fatalf("decode failed on aliases: %v", err)
	}
	if canonical != aliased {
		t.Errorf("aliased form decoded to %d, want %d", aliased, canonical)
	}
}
