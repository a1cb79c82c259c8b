package match

import "testing"

func TestJaroWinklerBounds(t *testing.T) {
	s := JaroWinkler{}
	if got := s.Similarity("panel cercano", "panel cercano"); got != 1 {
		t.Fatalf("identical strings: got %v, want 1", got)
	}
	if got := s.Similarity("", "panel"); got != 0 {
		t.Fatalf("empty string: got %v, want 0", got)
	}
	got := s.Similarity("panel cercano", "panel cercan")
	if got < 0.85 || got > 1 {
		t.Fatalf("near match: got %v, want >= 0.85", got)
	}
	far := s.Similarity("panel cercano", "vista general del sitio")
	if far >= 0.85 {
		t.Fatalf("distant strings scored %v, want below cutoff", far)
	}
}

func TestByName(t *testing.T) {
	if _, ok := ByName("sorensen_dice").(SorensenDice); !ok {
		t.Fatalf("expected SorensenDice")
	}
	if _, ok := ByName("").(JaroWinkler); !ok {
		t.Fatalf("expected default JaroWinkler")
	}
	if _, ok := ByName("unknown").(JaroWinkler); !ok {
		t.Fatalf("expected fallback JaroWinkler")
	}
}
