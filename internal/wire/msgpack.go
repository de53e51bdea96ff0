package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// StreamMetricDataPack decodes the binary metric-data format: MessagePack
// arrays-of-arrays where the very first row of the stream is a column header
// and every following row, across all arrays, is [metricId, epochSeconds,
// value, anomalyScore, rowid]. Epoch seconds are scaled to milliseconds to
// match the JSON path.
//
// The wire format has no explicit terminator; exhausting the byte stream is
// the normal end condition. That is a protocol assumption inherited from the
// server's framing, not a defensive shortcut.
func StreamMetricDataPack(r io.Reader, fn func(*models.MetricData) bool) error {
	dec := msgpack.NewDecoder(r)
	header := true
	for {
		n, err := dec.DecodeArrayLen()
		if err != nil {
			// A clean EOF between arrays is the stream's normal end.
			if errors.Is(err, io.EOF) {
				return nil
			}
			return corrupt("pack array", err)
		}
		for i := 0; i < n; i++ {
			row, err := decodePackRow(dec)
			if err != nil {
				return err
			}
			if header {
				// First row is a discarded column header.
				header = false
				continue
			}
			md, err := packRowToMetricData(row)
			if err != nil {
				return err
			}
			if !fn(&md) {
				return nil
			}
		}
	}
}

// ParseMetricDataPack decodes a binary metric-data stream into a slice.
func ParseMetricDataPack(r io.Reader) ([]models.MetricData, error) {
	return collect(func(fn func(*models.MetricData) bool) error {
		return StreamMetricDataPack(r, fn)
	})
}

func decodePackRow(dec *msgpack.Decoder) ([]any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, corrupt("pack row", err)
	}
	row := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, corrupt("pack row element", err)
		}
		row[i] = v
	}
	return row, nil
}

func packRowToMetricData(row []any) (models.MetricData, error) {
	var md models.MetricData
	if len(row) < 5 {
		return md, corrupt("pack row", fmt.Errorf("%d elements, want at least 5", len(row)))
	}
	md.MetricID = toString(row[0])

	secs, err := toFloat64(row[1])
	if err != nil {
		return md, corrupt("pack row timestamp", err)
	}
	md.Timestamp = int64(secs * 1000) // epoch seconds -> milliseconds

	if md.Value, err = toFloat64(row[2]); err != nil {
		return md, corrupt("pack row value", err)
	}
	if md.AnomalyScore, err = toFloat64(row[3]); err != nil {
		return md, corrupt("pack row anomaly score", err)
	}
	rowid, err := toFloat64(row[4])
	if err != nil {
		return md, corrupt("pack row rowid", err)
	}
	md.RowID = int64(rowid)
	return md, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("numeric value has type %T", v)
}
