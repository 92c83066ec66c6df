// Package normalize maps raw DeFi Llama payloads into canonical records.
// All field access goes through a Mapping so a renamed upstream key is a
// config change, not a code change, and every missing or mistyped field
// fails loudly as a *SchemaError at this boundary.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mapping names the raw payload key for each canonical field.
type Mapping struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Chains   string `json:"chains"`
	TVL      string `json:"tvl"`

	// Keys inside the /protocol/{slug} historical payload.
	HistorySeries string `json:"history_series"`
	HistoryDate   string `json:"history_date"`
	HistoryTVL    string `json:"history_tvl"`
}

// Default returns the mapping matching the current DeFi Llama API.
func Default() Mapping {
	return Mapping{
		Name:          "name",
		Category:      "category",
		Chains:        "chains",
		TVL:           "tvl",
		HistorySeries: "tvl",
		HistoryDate:   "date",
		HistoryTVL:    "totalLiquidityUSD",
	}
}

// MergeJSON overlays non-empty keys from a JSON object (the FIELD_MAPPING
// config value) onto m.
func (m Mapping) MergeJSON(raw string) (Mapping, error) {
	if raw == "" {
		return m, nil
	}
	var override Mapping
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return m, fmt.Errorf("parse field mapping: %w", err)
	}
	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&m.Name, override.Name)
	merge(&m.Category, override.Category)
	merge(&m.Chains, override.Chains)
	merge(&m.TVL, override.TVL)
	merge(&m.HistorySeries, override.HistorySeries)
	merge(&m.HistoryDate, override.HistoryDate)
	merge(&m.HistoryTVL, override.HistoryTVL)
	return m, nil
}

// Record is one canonical observation of a protocol.
type Record struct {
	Name          string
	Category      string
	Chains        []string
	TVL           decimal.Decimal
	Timestamp     time.Time
	MarketCap     *decimal.Decimal
	AnnualRevenue *decimal.Decimal
	PERatio       *decimal.Decimal
}

// SchemaError reports a required field that is absent or of the wrong type.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch: field %q %s", e.Field, e.Reason)
}

// Normalizer turns raw payloads into canonical records under one mapping.
type Normalizer struct {
	mapping Mapping
}

func New(m Mapping) *Normalizer {
	return &Normalizer{mapping: m}
}

// Protocols normalizes the /protocols listing payload. ts becomes the
// observation timestamp for every record (the listing reports current
// state, not history). Records that fail validation are dropped and their
// errors returned alongside the good records; a payload that is not a JSON
// array at all is a hard error.
func (n *Normalizer) Protocols(payload []byte, ts time.Time) ([]Record, []error, error) {
	var raw []map[string]json.RawMessage
	if err := decodeStrict(payload, &raw); err != nil {
		return nil, nil, &SchemaError{Field: "(root)", Reason: "is not a JSON array of objects"}
	}

	ts = ts.UTC().Truncate(time.Second)
	records := make([]Record, 0, len(raw))
	var skipped []error
	for i, obj := range raw {
		rec, err := n.protocolRecord(obj, ts)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func (n *Normalizer) protocolRecord(obj map[string]json.RawMessage, ts time.Time) (Record, error) {
	name, err := stringField(obj, n.mapping.Name)
	if err != nil {
		return Record{}, err
	}
	tvl, err := amountField(obj, n.mapping.TVL)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Name: name, TVL: tvl, Timestamp: ts}
	// Category and chains are descriptive, not identifying; absent is fine.
	if raw, ok := obj[n.mapping.Category]; ok {
		_ = json.Unmarshal(raw, &rec.Category)
	}
	if raw, ok := obj[n.mapping.Chains]; ok {
		_ = json.Unmarshal(raw, &rec.Chains)
	}
	return rec, nil
}

// History normalizes a /protocol/{slug} payload into one record per
// time-series point, ordered as the payload orders them.
func (n *Normalizer) History(payload []byte) ([]Record, []error, error) {
	var obj map[string]json.RawMessage
	if err := decodeStrict(payload, &obj); err != nil {
		return nil, nil, &SchemaError{Field: "(root)", Reason: "is not a JSON object"}
	}

	name, err := stringField(obj, n.mapping.Name)
	if err != nil {
		return nil, nil, err
	}
	var category string
	if raw, ok := obj[n.mapping.Category]; ok {
		_ = json.Unmarshal(raw, &category)
	}

	seriesRaw, ok := obj[n.mapping.HistorySeries]
	if !ok {
		return nil, nil, &SchemaError{Field: n.mapping.HistorySeries, Reason: "is missing"}
	}
	var series []map[string]json.RawMessage
	if err := decodeStrict(seriesRaw, &series); err != nil {
		return nil, nil, &SchemaError{Field: n.mapping.HistorySeries, Reason: "is not an array of objects"}
	}

	records := make([]Record, 0, len(series))
	var skipped []error
	for i, point := range series {
		ts, err := epochField(point, n.mapping.HistoryDate)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("point %d: %w", i, err))
			continue
		}
		tvl, err := amountField(point, n.mapping.HistoryTVL)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("point %d: %w", i, err))
			continue
		}
		records = append(records, Record{
			Name:      name,
			Category:  category,
			TVL:       tvl,
			Timestamp: ts,
		})
	}
	return records, skipped, nil
}

// ApplyValuation parses scraped market cap / annual revenue strings into
// the record and derives the P/E ratio when both are usable. Unparseable
// strings ("Not found", "-") leave the field absent.
func (r *Record) ApplyValuation(marketCap, annualRevenue string) {
	if mc, err := ParseAmount(marketCap); err == nil {
		r.MarketCap = &mc
	}
	if rev, err := ParseAmount(annualRevenue); err == nil {
		r.AnnualRevenue = &rev
	}
	if r.MarketCap != nil && r.AnnualRevenue != nil && r.AnnualRevenue.IsPositive() {
		pe := r.MarketCap.DivRound(*r.AnnualRevenue, 2)
		r.PERatio = &pe
	}
}

func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}

func stringField(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", &SchemaError{Field: key, Reason: "is missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &SchemaError{Field: key, Reason: "is not a string"}
	}
	if s == "" {
		return "", &SchemaError{Field: key, Reason: "is empty"}
	}
	return s, nil
}

func amountField(obj map[string]json.RawMessage, key string) (decimal.Decimal, error) {
	raw, ok := obj[key]
	if !ok {
		return decimal.Zero, &SchemaError{Field: key, Reason: "is missing"}
	}
	var num json.Number
	if err := decodeStrict(raw, &num); err != nil {
		return decimal.Zero, &SchemaError{Field: key, Reason: "is not numeric"}
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, &SchemaError{Field: key, Reason: "is not numeric"}
	}
	if d.IsNegative() {
		return decimal.Zero, &SchemaError{Field: key, Reason: "is negative"}
	}
	return d, nil
}

func epochField(obj map[string]json.RawMessage, key string) (time.Time, error) {
	raw, ok := obj[key]
	if !ok {
		return time.Time{}, &SchemaError{Field: key, Reason: "is missing"}
	}
	var num json.Number
	if err := decodeStrict(raw, &num); err != nil {
		return time.Time{}, &SchemaError{Field: key, Reason: "is not an epoch timestamp"}
	}
	sec, err := num.Int64()
	if err != nil || sec < 0 {
		return time.Time{}, &SchemaError{Field: key, Reason: "is not an epoch timestamp"}
	}
	return time.Unix(sec, 0).UTC(), nil
}
