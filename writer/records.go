package writer

import (
	"fmt"

	"github.com/golang-sql/civil"
	"github.com/xitongsys/parquet-go/reader"

	"bhavflow/models"
)

// IndexRecord is the parquet layout of the idx table.
type IndexRecord struct {
	Timestamp int32   `parquet:"name=timestamp, type=INT32, convertedtype=DATE"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Turnover  float64 `parquet:"name=turnover, type=DOUBLE"`
}

// VIXRecord is the parquet layout of the vix table.
type VIXRecord struct {
	Timestamp        int32   `parquet:"name=timestamp, type=INT32, convertedtype=DATE"`
	Symbol           string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open             float64 `parquet:"name=open, type=DOUBLE"`
	High             float64 `parquet:"name=high, type=DOUBLE"`
	Low              float64 `parquet:"name=low, type=DOUBLE"`
	Close            float64 `parquet:"name=close, type=DOUBLE"`
	PClose           float64 `parquet:"name=pclose, type=DOUBLE"`
	Change           float64 `parquet:"name=change, type=DOUBLE"`
	PercentageChange float64 `parquet:"name=percentage_change, type=DOUBLE"`
}

// EquityRecord is the parquet layout of the spot table.
type EquityRecord struct {
	Timestamp   int32   `parquet:"name=timestamp, type=INT32, convertedtype=DATE"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Series      string  `parquet:"name=series, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	Last        float64 `parquet:"name=last, type=DOUBLE"`
	PrevClose   float64 `parquet:"name=prevclose, type=DOUBLE"`
	TotTrdQty   float64 `parquet:"name=tottrdqty, type=DOUBLE"`
	TotTrdVal   float64 `parquet:"name=tottrdval, type=DOUBLE"`
	TotalTrades float64 `parquet:"name=totaltrades, type=DOUBLE"`
}

// DerivativesRecord is the parquet layout of fno and its partitions.
type DerivativesRecord struct {
	Timestamp  int32   `parquet:"name=timestamp, type=INT32, convertedtype=DATE"`
	Instrument string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryDt   int32   `parquet:"name=expiry_dt, type=INT32, convertedtype=DATE"`
	StrikePr   float64 `parquet:"name=strike_pr, type=DOUBLE"`
	OptionTyp  string  `parquet:"name=option_typ, type=BYTE_ARRAY, convertedtype=UTF8"`
	Open       float64 `parquet:"name=open, type=DOUBLE"`
	High       float64 `parquet:"name=high, type=DOUBLE"`
	Low        float64 `parquet:"name=low, type=DOUBLE"`
	Close      float64 `parquet:"name=close, type=DOUBLE"`
	SettlePr   float64 `parquet:"name=settle_pr, type=DOUBLE"`
	Contracts  float64 `parquet:"name=contracts, type=DOUBLE"`
	ValInLakh  float64 `parquet:"name=val_inlakh, type=DOUBLE"`
	OpenInt    float64 `parquet:"name=open_int, type=DOUBLE"`
	ChgInOI    float64 `parquet:"name=chg_in_oi, type=DOUBLE"`
}

var epoch = civil.Date{Year: 1970, Month: 1, Day: 1}

func toDays(v any) int32 {
	d, _ := v.(civil.Date)
	if !d.IsValid() {
		return 0
	}
	return int32(d.DaysSince(epoch))
}

func fromDays(n int32) civil.Date { return epoch.AddDays(int(n)) }

func f64(v any) float64 {
	f, _ := v.(float64)
	return f
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// recordCodec converts canonical rows to and from one typed parquet record.
// Rows are positional, so the codecs follow Schema.Columns order.
type recordCodec struct {
	prototype func() any
	encode    func(models.Row) any
	decode    func(pr *reader.ParquetReader, n int) ([]models.Row, error)
}

func codecFor(schema *models.Schema) (recordCodec, error) {
	switch schema.Table {
	case models.TableIndex:
		return indexCodec, nil
	case models.TableVIX:
		return vixCodec, nil
	case models.TableEquity:
		return equityCodec, nil
	case models.TableDerivatives:
		return derivativesCodec, nil
	}
	return recordCodec{}, fmt.Errorf("%w: no parquet layout for %s", ErrSchemaMismatch, schema.Table)
}

var indexCodec = recordCodec{
	prototype: func() any { return new(IndexRecord) },
	encode: func(r models.Row) any {
		return IndexRecord{
			Timestamp: toDays(r[0]), Symbol: str(r[1]),
			Open: f64(r[2]), High: f64(r[3]), Low: f64(r[4]), Close: f64(r[5]),
			Volume: f64(r[6]), Turnover: f64(r[7]),
		}
	},
	decode: func(pr *reader.ParquetReader, n int) ([]models.Row, error) {
		recs := make([]IndexRecord, n)
		if err := pr.Read(&recs); err != nil {
			return nil, err
		}
		rows := make([]models.Row, len(recs))
		for i, x := range recs {
			rows[i] = models.Row{fromDays(x.Timestamp), x.Symbol, x.Open, x.High, x.Low, x.Close, x.Volume, x.Turnover}
		}
		return rows, nil
	},
}

var vixCodec = recordCodec{
	prototype: func() any { return new(VIXRecord) },
	encode: func(r models.Row) any {
		return VIXRecord{
			Timestamp: toDays(r[0]), Symbol: str(r[1]),
			Open: f64(r[2]), High: f64(r[3]), Low: f64(r[4]), Close: f64(r[5]),
			PClose: f64(r[6]), Change: f64(r[7]), PercentageChange: f64(r[8]),
		}
	},
	decode: func(pr *reader.ParquetReader, n int) ([]models.Row, error) {
		recs := make([]VIXRecord, n)
		if err := pr.Read(&recs); err != nil {
			return nil, err
		}
		rows := make([]models.Row, len(recs))
		for i, x := range recs {
			rows[i] = models.Row{fromDays(x.Timestamp), x.Symbol, x.Open, x.High, x.Low, x.Close, x.PClose, x.Change, x.PercentageChange}
		}
		return rows, nil
	},
}

var equityCodec = recordCodec{
	prototype: func() any { return new(EquityRecord) },
	encode: func(r models.Row) any {
		return EquityRecord{
			Timestamp: toDays(r[0]), Symbol: str(r[1]), Series: str(r[2]),
			Open: f64(r[3]), High: f64(r[4]), Low: f64(r[5]), Close: f64(r[6]),
			Last: f64(r[7]), PrevClose: f64(r[8]),
			TotTrdQty: f64(r[9]), TotTrdVal: f64(r[10]), TotalTrades: f64(r[11]),
		}
	},
	decode: func(pr *reader.ParquetReader, n int) ([]models.Row, error) {
		recs := make([]EquityRecord, n)
		if err := pr.Read(&recs); err != nil {
			return nil, err
		}
		rows := make([]models.Row, len(recs))
		for i, x := range recs {
			rows[i] = models.Row{
				fromDays(x.Timestamp), x.Symbol, x.Series,
				x.Open, x.High, x.Low, x.Close, x.Last, x.PrevClose,
				x.TotTrdQty, x.TotTrdVal, x.TotalTrades,
			}
		}
		return rows, nil
	},
}

var derivativesCodec = recordCodec{
	prototype: func() any { return new(DerivativesRecord) },
	encode: func(r models.Row) any {
		return DerivativesRecord{
			Timestamp: toDays(r[0]), Instrument: str(r[1]), Symbol: str(r[2]),
			ExpiryDt: toDays(r[3]), StrikePr: f64(r[4]), OptionTyp: str(r[5]),
			Open: f64(r[6]), High: f64(r[7]), Low: f64(r[8]), Close: f64(r[9]),
			SettlePr: f64(r[10]), Contracts: f64(r[11]), ValInLakh: f64(r[12]),
			OpenInt: f64(r[13]), ChgInOI: f64(r[14]),
		}
	},
	decode: func(pr *reader.ParquetReader, n int) ([]models.Row, error) {
		recs := make([]DerivativesRecord, n)
		if err := pr.Read(&recs); err != nil {
			return nil, err
		}
		rows := make([]models.Row, len(recs))
		for i, x := range recs {
			rows[i] = models.Row{
				fromDays(x.Timestamp), x.Instrument, x.Symbol, fromDays(x.ExpiryDt), x.StrikePr, x.OptionTyp,
				x.Open, x.High, x.Low, x.Close, x.SettlePr, x.Contracts, x.ValInLakh, x.OpenInt, x.ChgInOI,
			}
		}
		return rows, nil
	},
}
