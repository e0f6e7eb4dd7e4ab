package processor

import (
	"errors"
	"testing"

	"github.com/golang-sql/civil"

	"bhavflow/models"
)

func TestCanonicalHeadersIndexHTML(t *testing.T) {
	got := CanonicalHeaders(models.TableIndex, []string{"Date3", "PrevClose", "Turnover (Rs.Cr)", "Shares Traded", "Open"})
	want := []string{"TIMESTAMP", "PCLOSE", "TURNOVER", "VOLUME", "OPEN"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("header %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCanonicalHeadersBhavIgnoresSubstringRules(t *testing.T) {
	got := CanonicalHeaders(models.TableEquity, []string{"PREVCLOSE", "TIMESTAMP", "TOTAL_TRADES"})
	want := []string{"PREVCLOSE", "TIMESTAMP", "TOTALTRADES"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("header %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestNormalizeIndexCoercesPlaceholders(t *testing.T) {
	raw := &models.RawRecordBatch{
		Table:  models.TableIndex,
		Symbol: "NIFTY",
		Header: []string{"Date", "Open", "High", "Low", "Close", "Shares Traded", "Turnover (Rs. Cr)"},
		Records: [][]string{
			{"11-Jan-2024", "21,688.00", "21,726.50", "21,593.75", "21,647.20", "-", "NA"},
			{"", "", "", "", "", "", ""},
			{"12-Jan-2024", "21,773.55", "21,928.25", "21,715.15", "21,894.55", "324567890", "29876.12"},
		},
	}
	batch, err := Normalize(raw, models.TableIndex)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", batch.Len())
	}
	s := batch.Schema
	first := batch.Rows[0]
	if d := s.Date(first); d != (civil.Date{Year: 2024, Month: 1, Day: 11}) {
		t.Errorf("unexpected timestamp %s", d)
	}
	if v := first[s.Index("VOLUME")]; v != 0.0 {
		t.Errorf("expected VOLUME 0, got %v", v)
	}
	if v := first[s.Index("TURNOVER")]; v != 0.0 {
		t.Errorf("expected TURNOVER 0, got %v", v)
	}
	if v := first[s.Index("OPEN")]; v != 21688.0 {
		t.Errorf("expected OPEN 21688, got %v", v)
	}
	if sym := s.String(first, "SYMBOL"); sym != "NIFTY" {
		t.Errorf("expected injected symbol NIFTY, got %q", sym)
	}
}

func TestNormalizeVIXDefaultsSymbol(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header:  []string{"Date ", "Open ", "High ", "Low ", "Close ", "Prev. Close ", "Change ", "% Change "},
		Records: [][]string{{"10-JAN-2024", "14.1", "14.9", "13.8", "14.2", "14.0", "0.2", "1.43"}},
	}
	batch, err := Normalize(raw, models.TableVIX)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s := batch.Schema
	row := batch.Rows[0]
	if s.String(row, "SYMBOL") != "INDIAVIX" {
		t.Errorf("unexpected symbol %q", s.String(row, "SYMBOL"))
	}
	if row[s.Index("PCLOSE")] != 14.0 || row[s.Index("PERCENTAGE_CHANGE")] != 1.43 {
		t.Errorf("unexpected row %v", row)
	}
}

func TestNormalizeEquityFiltersSeries(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header: []string{"SYMBOL", "SERIES", "OPEN", "HIGH", "LOW", "CLOSE", "LAST", "PREVCLOSE", "TOTTRDQTY", "TOTTRDVAL", "TIMESTAMP", "TOTALTRADES", "ISIN", ""},
		Records: [][]string{
			{"INFY", "EQ", "1500", "1520", "1490", "1510", "1511", "1495", "100", "151000", "11-JAN-2024", "20", "INE009A01021", ""},
			{"GOI2030", "GS", "100", "100", "100", "100", "100", "100", "1", "100", "11-JAN-2024", "1", "IN0020", ""},
		},
	}
	batch, err := Normalize(raw, models.TableEquity)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if batch.Len() != 1 || batch.Schema.String(batch.Rows[0], "SYMBOL") != "INFY" {
		t.Fatalf("expected only the EQ row, got %v", batch.Rows)
	}
}

func TestNormalizeDerivativesOptionTypeAlias(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header: []string{"INSTRUMENT", "SYMBOL", "EXPIRY_DT", "STRIKE_PR", "OPTIONTYPE", "OPEN", "HIGH", "LOW", "CLOSE", "SETTLE_PR", "CONTRACTS", "VAL_INLAKH", "OPEN_INT", "CHG_IN_OI", "TIMESTAMP"},
		Records: [][]string{
			{"FUTIDX", "NIFTY", "25-Jan-2024", "0", "", "21600", "21700", "21550", "21650", "21650", "1000", "5000", "10000", "-50", "11-Jan-2024"},
			{"OPTIDX", "NIFTY", "25-Jan-2024", "21600", "CE", "100", "120", "90", "110", "110", "500", "400", "3000", "20", "11-Jan-2024"},
			{"OPTIDX", "NIFTY", "25-Jan-2024", "21600", "CE", "101", "121", "91", "111", "111", "501", "401", "3001", "21", "11-Jan-2024"},
		},
	}
	batch, err := Normalize(raw, models.TableDerivatives)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected duplicate key to be dropped, got %d rows", batch.Len())
	}
	s := batch.Schema
	if got := s.String(batch.Rows[0], "OPTION_TYP"); got != "XX" {
		t.Errorf("expected futures option type XX, got %q", got)
	}
	if got := s.String(batch.Rows[1], "OPTION_TYP"); got != "CE" {
		t.Errorf("expected CE, got %q", got)
	}
	if got := batch.Rows[1][s.Index("CLOSE")]; got != 110.0 {
		t.Errorf("expected first occurrence to win, got CLOSE %v", got)
	}
}

func TestNormalizeUDiFFDerivatives(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header: []string{"TradDt", "BizDt", "FinInstrmTp", "TckrSymb", "XpryDt", "StrkPric", "OptnTp", "OpnPric", "HghPric", "LwPric", "ClsPric", "SttlmPric", "TtlTradgVol", "TtlTrfVal", "OpnIntrst", "ChngInOpnIntrst"},
		Records: [][]string{
			{"2024-07-08", "2024-07-08", "IDF", "BANKNIFTY", "2024-07-31", "", "", "52000", "52500", "51900", "52400", "52400", "150", "250000000", "12000", "300"},
		},
	}
	batch, err := Normalize(raw, models.TableDerivatives)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s := batch.Schema
	row := batch.Rows[0]
	if got := s.String(row, "INSTRUMENT"); got != "FUTIDX" {
		t.Errorf("expected FUTIDX, got %q", got)
	}
	if got := row[s.Index("VAL_INLAKH")]; got != 2500.0 {
		t.Errorf("expected turnover 2500 lakhs, got %v", got)
	}
	if got := s.String(row, "OPTION_TYP"); got != "XX" {
		t.Errorf("expected XX, got %q", got)
	}
}

func TestNormalizeBadTimestampIsParseFailure(t *testing.T) {
	raw := &models.RawRecordBatch{
		Symbol:  "NIFTY",
		Header:  []string{"Date", "Open", "High", "Low", "Close"},
		Records: [][]string{{"yesterday", "1", "2", "0.5", "1.5"}},
	}
	if _, err := Normalize(raw, models.TableIndex); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestNormalizeMissingRequiredColumn(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header:  []string{"SYMBOL", "SERIES", "OPEN"},
		Records: [][]string{{"INFY", "EQ", "1"}},
	}
	if _, err := Normalize(raw, models.TableEquity); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestNormalizeEmptyReturnsNil(t *testing.T) {
	raw := &models.RawRecordBatch{
		Header:  []string{"SYMBOL", "SERIES", "OPEN", "HIGH", "LOW", "CLOSE", "TIMESTAMP"},
		Records: [][]string{{"X", "BE", "1", "1", "1", "1", "11-Jan-2024"}},
	}
	batch, err := Normalize(raw, models.TableEquity)
	if err != nil || batch != nil {
		t.Fatalf("expected nil batch, got %v, %v", batch, err)
	}
}

func TestParseDateLayouts(t *testing.T) {
	want := civil.Date{Year: 2024, Month: 1, Day: 5}
	for _, in := range []string{"05-Jan-2024", "05-JAN-2024", "5-Jan-2024", "05-01-2024", "05/01/2024", "2024-01-05", "05 Jan 2024", "05JAN2024"} {
		got, err := ParseDate(in)
		if err != nil || got != want {
			t.Errorf("ParseDate(%q) = %s, %v", in, got, err)
		}
	}
}

func TestPartitionBySymbol(t *testing.T) {
	s := models.TableDerivatives.Schema()
	mk := func(sym string) models.Row {
		return models.Row{civil.Date{Year: 2024, Month: 1, Day: 11}, "FUTIDX", sym, civil.Date{Year: 2024, Month: 1, Day: 25}, 0.0, "XX",
			1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 0.0}
	}
	batch := &models.NormalizedBatch{Table: models.TableDerivatives, Physical: "fno", Schema: s,
		Rows: []models.Row{mk("NIFTY"), mk("INFY"), mk("BANKNIFTY"), mk("TCS")}}
	parts := NewPartitioner(models.TableDerivatives, map[string]string{"NIFTY": "fno_nifty", "BANKNIFTY": "fno_banknifty"}).Split(batch)
	got := map[string]int{}
	for _, p := range parts {
		got[p.Physical] = p.Len()
	}
	if got["fno"] != 2 || got["fno_nifty"] != 1 || got["fno_banknifty"] != 1 {
		t.Fatalf("unexpected partitions %v", got)
	}
	if parts[0].Physical != "fno" {
		t.Errorf("expected base table first, got %s", parts[0].Physical)
	}
}
