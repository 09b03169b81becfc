package runspec

import "testing"

func TestExpandSingleLanguagePreservesOrder(t *testing.T) {
	specs, err := Expand([]string{"https://a.ro", "https://b.ro"}, LangEN)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].URL != "https://a.ro" || specs[1].URL != "https://b.ro" {
		t.Fatalf("URL order not preserved: %+v", specs)
	}
}

func TestExpandBothInterleavesRomanianFirst(t *testing.T) {
	specs, err := Expand([]string{"A", "B"}, LangBoth)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []Spec{{"A", LangRO}, {"A", LangEN}, {"B", LangRO}, {"B", LangEN}}
	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Fatalf("spec %d: want %+v got %+v", i, want[i], specs[i])
		}
	}
}

func TestExpandEmptyFails(t *testing.T) {
	if _, err := Expand(nil, LangRO); err == nil {
		t.Fatalf("expected error for empty URL set")
	}
}

func TestParseLanguage(t *testing.T) {
	if lang, err := ParseLanguage(" BOTH "); err != nil || lang != LangBoth {
		t.Fatalf("parse both: %v %v", lang, err)
	}
	if lang, err := ParseLanguage(""); err != nil || lang != LangEN {
		t.Fatalf("empty selector should default to en, got %v %v", lang, err)
	}
	if _, err := ParseLanguage("fr"); err == nil {
		t.Fatalf("expected error for unsupported language")
	}
}
