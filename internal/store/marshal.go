package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// errInvalidRow marks a persisted row that no longer deserializes into
// a valid domain value. Readers treat such rows as absent and delete
// them opportunistically instead of failing the read.
var errInvalidRow = errors.New("invalid stored row")

// Times are stored as unix microseconds. Unsigned 64-bit domain values
// are stored as their two's-complement image in signed INTEGER columns.

func encodeTime(t time.Time) int64 { return t.UnixMicro() }
func decodeTime(v int64) time.Time { return time.UnixMicro(v).UTC() }
func encodeUint64(v uint64) int64  { return int64(v) }
func decodeUint64(v int64) uint64  { return uint64(v) }

func encodeOptUint64(p *uint64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func decodeOptUint64(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

// triggerSpecRecord is the JSON image of a TriggerDataSpec. Durations
// are microseconds.
type triggerSpecRecord struct {
	Matching    string   `json:"matching"`
	Values      []uint64 `json:"values"`
	WindowStart int64    `json:"window_start"`
	WindowEnds  []int64  `json:"window_ends"`
}

func marshalTriggerSpec(spec attribution.TriggerDataSpec) (string, error) {
	rec := triggerSpecRecord{
		Matching:    string(spec.Matching),
		Values:      spec.Values,
		WindowStart: spec.WindowStart.Microseconds(),
		WindowEnds:  make([]int64, len(spec.WindowEnds)),
	}
	for i, end := range spec.WindowEnds {
		rec.WindowEnds[i] = end.Microseconds()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal trigger spec: %w", err)
	}
	return string(b), nil
}

func unmarshalTriggerSpec(s string) (attribution.TriggerDataSpec, error) {
	var rec triggerSpecRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return attribution.TriggerDataSpec{}, fmt.Errorf("%w: trigger spec: %v", errInvalidRow, err)
	}
	ends := make([]time.Duration, len(rec.WindowEnds))
	for i, end := range rec.WindowEnds {
		ends[i] = time.Duration(end) * time.Microsecond
	}
	spec, err := attribution.NewTriggerDataSpec(
		attribution.TriggerDataMatching(rec.Matching),
		rec.Values,
		time.Duration(rec.WindowStart)*time.Microsecond,
		ends,
	)
	if err != nil {
		return attribution.TriggerDataSpec{}, fmt.Errorf("%w: trigger spec: %v", errInvalidRow, err)
	}
	return spec, nil
}

func marshalAggregationKeys(keys map[string]attribution.AggregationKey) (string, error) {
	out := make(map[string]string, len(keys))
	for name, key := range keys {
		out[name] = key.String()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal aggregation keys: %w", err)
	}
	return string(b), nil
}

func unmarshalAggregationKeys(s string) (map[string]attribution.AggregationKey, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: aggregation keys: %v", errInvalidRow, err)
	}
	out := make(map[string]attribution.AggregationKey, len(raw))
	for name, hex := range raw {
		key, err := attribution.ParseAggregationKey(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: aggregation keys: %v", errInvalidRow, err)
		}
		out[name] = key
	}
	return out, nil
}

func marshalFilterData(f attribution.FilterData) (string, error) {
	b, err := json.Marshal(map[string][]string(f))
	if err != nil {
		return "", fmt.Errorf("marshal filter data: %w", err)
	}
	return string(b), nil
}

func unmarshalFilterData(s string) (attribution.FilterData, error) {
	var raw map[string][]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: filter data: %v", errInvalidRow, err)
	}
	f := attribution.FilterData(raw)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: filter data: %v", errInvalidRow, err)
	}
	return f, nil
}

func decodeOrigin(s string) (attribution.Origin, error) {
	o, err := attribution.ParseOrigin(s)
	if err != nil {
		return "", fmt.Errorf("%w: origin: %v", errInvalidRow, err)
	}
	return o, nil
}
