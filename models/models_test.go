package models

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
)

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func TestBusinessDaysSkipsWeekend(t *testing.T) {
	r := DateRange{Start: date(2024, 1, 11), End: date(2024, 1, 15)}
	got := r.BusinessDays()
	want := []civil.Date{date(2024, 1, 11), date(2024, 1, 12), date(2024, 1, 15)}
	if len(got) != len(want) {
		t.Fatalf("expected %d days, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("day %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestChunksCoverRangeWithoutOverlap(t *testing.T) {
	r := DateRange{Start: date(2023, 1, 1), End: date(2024, 6, 30)}
	chunks := r.Chunks(360)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0].Start != r.Start || chunks[len(chunks)-1].End != r.End {
		t.Fatalf("chunks do not cover range: %v", chunks)
	}
	for i, c := range chunks {
		if c.Days() > 360 {
			t.Errorf("chunk %d spans %d days", i, c.Days())
		}
		if i > 0 && c.Start != chunks[i-1].End.AddDays(1) {
			t.Errorf("gap or overlap between chunk %d and %d", i-1, i)
		}
	}
}

func TestParseTableAliases(t *testing.T) {
	cases := map[string]Table{
		"index":       TableIndex,
		"VIX":         TableVIX,
		"eq":          TableEquity,
		"derivatives": TableDerivatives,
	}
	for in, want := range cases {
		got, err := ParseTable(in)
		if err != nil || got != want {
			t.Errorf("ParseTable(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTable("bonds"); err == nil {
		t.Fatalf("expected error for unknown table")
	}
}

func TestKeyOfAndPredicate(t *testing.T) {
	s := TableDerivatives.Schema()
	row := Row{date(2024, 1, 11), "FUTIDX", "NIFTY", date(2024, 1, 25), 0.0, "XX",
		1.0, 2.0, 0.5, 1.5, 1.5, 10.0, 100.0, 1000.0, -5.0}
	if err := s.Check(row); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := s.KeyOf(row); got != "2024-01-11|NIFTY|FUTIDX|2024-01-25|0|XX" {
		t.Fatalf("unexpected key %q", got)
	}
	p := OnDate(date(2024, 1, 11)).With("SYMBOL", "NIFTY").With("INSTRUMENT", "FUTIDX")
	if !p.Match(s, row) {
		t.Fatalf("expected predicate to match")
	}
	if p.With("SYMBOL", "BANKNIFTY").Match(s, row) {
		t.Fatalf("expected predicate not to match")
	}
}
