package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// packStream encodes top-level arrays-of-rows in the binary wire format.
func packStream(t *testing.T, batches ...[]any) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, b := range batches {
		if err := enc.Encode(b); err != nil {
			t.Fatalf("encode batch: %v", err)
		}
	}
	return bytes.NewReader(buf.Bytes())
}

var packHeader = []any{"metric", "timestamp", "value", "anomaly_score", "rowid"}

func TestParseMetricDataPack(t *testing.T) {
	r := packStream(t, []any{
		packHeader,
		[]any{"m-1", int64(1591014645), 1.5, 0.2, int64(10)},
		[]any{"m-2", int64(1591014945), 2.5, 0.9, int64(11)},
	})

	rows, err := ParseMetricDataPack(r)
	if err != nil {
		t.Fatalf("ParseMetricDataPack: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (header must be discarded)", len(rows))
	}
	got := rows[0]
	if got.MetricID != "m-1" {
		t.Errorf("MetricID = %q, want %q", got.MetricID, "m-1")
	}
	if got.Timestamp != 1591014645000 {
		t.Errorf("Timestamp = %d, want seconds scaled to millis", got.Timestamp)
	}
	if got.Value != 1.5 || got.AnomalyScore != 0.2 || got.RowID != 10 {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestParseMetricDataPack_multiple_batches(t *testing.T) {
	// Only the very first row of the stream is a header; later top-level
	// arrays are all data.
	r := packStream(t,
		[]any{packHeader, []any{"m-1", int64(100), 1.0, 0.0, int64(1)}},
		[]any{[]any{"m-1", int64(200), 2.0, 0.0, int64(2)}},
	)

	rows, err := ParseMetricDataPack(r)
	if err != nil {
		t.Fatalf("ParseMetricDataPack: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[1].RowID != 2 {
		t.Errorf("second batch row not decoded: %+v", rows[1])
	}
}

func TestParseMetricDataPack_empty_stream(t *testing.T) {
	rows, err := ParseMetricDataPack(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("ParseMetricDataPack on empty stream: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows from empty stream, want 0", len(rows))
	}
}

func TestParseMetricDataPack_truncated(t *testing.T) {
	full := packStream(t, []any{
		packHeader,
		[]any{"m-1", int64(1591014645), 1.5, 0.2, int64(10)},
	})
	raw := make([]byte, full.Len())
	if _, err := full.Read(raw); err != nil {
		t.Fatal(err)
	}

	// Cut the stream mid-row: a truncated prefix is corrupt, not a clean end.
	_, err := ParseMetricDataPack(bytes.NewReader(raw[:len(raw)-3]))
	if !errors.Is(err, ErrCorruptData) {
		t.Errorf("truncated stream err = %v, want ErrCorruptData", err)
	}
}

func TestParseMetricDataPack_short_row(t *testing.T) {
	r := packStream(t, []any{
		packHeader,
		[]any{"m-1", int64(1591014645)},
	})
	_, err := ParseMetricDataPack(r)
	if !errors.Is(err, ErrCorruptData) {
		t.Errorf("short row err = %v, want ErrCorruptData", err)
	}
}

func TestParseMetricDataPack_not_msgpack(t *testing.T) {
	_, err := ParseMetricDataPack(strings.NewReader(`{"json": "payload"}`))
	if !errors.Is(err, ErrCorruptData) {
		t.Errorf("json payload err = %v, want ErrCorruptData", err)
	}
}

func TestStreamMetricDataPack_early_stop(t *testing.T) {
	r := packStream(t, []any{
		packHeader,
		[]any{"m-1", int64(100), 1.0, 0.0, int64(1)},
		[]any{"m-1", int64(200), 2.0, 0.0, int64(2)},
		[]any{"m-1", int64(300), 3.0, 0.0, int64(3)},
	})

	var seen int
	err := StreamMetricDataPack(r, func(_ *models.MetricData) bool {
		seen++
		return seen < 2
	})
	if err != nil {
		t.Fatalf("StreamMetricDataPack: %v", err)
	}
	if seen != 2 {
		t.Errorf("callback saw %d rows after stop, want 2", seen)
	}
}

// Both encodings of the same rows must produce identical records.
func TestPackMatchesJSON(t *testing.T) {
	jsonBody := `{"metrics": [{"uid": "m-1", "data": [
		["2020-06-01 12:30:45", 1.5, 0.2, 10],
		["2020-06-01 12:35:45", 2.5, 0.9, 11]
	]}]}`
	fromJSON, err := ParseMetricData(strings.NewReader(jsonBody), "")
	if err != nil {
		t.Fatalf("ParseMetricData: %v", err)
	}

	r := packStream(t, []any{
		packHeader,
		[]any{"m-1", int64(1591014645), 1.5, 0.2, int64(10)},
		[]any{"m-1", int64(1591014945), 2.5, 0.9, int64(11)},
	})
	fromPack, err := ParseMetricDataPack(r)
	if err != nil {
		t.Fatalf("ParseMetricDataPack: %v", err)
	}

	if len(fromJSON) != len(fromPack) {
		t.Fatalf("row counts differ: json=%d pack=%d", len(fromJSON), len(fromPack))
	}
	for i := range fromJSON {
		if fromJSON[i] != fromPack[i] {
			t.Errorf("row %d differs: json=%+v pack=%+v", i, fromJSON[i], fromPack[i])
		}
	}
}
