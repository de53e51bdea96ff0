package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// Timestamp layout used by the JSON wire format. Always UTC.
const wireTimeLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders an epoch-millisecond timestamp in the wire's
// timestamp layout, as used in query parameters.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(wireTimeLayout)
}

// wireTime is an epoch-millisecond timestamp that unmarshals from the wire's
// "2006-01-02 15:04:05" string form, RFC3339, or a bare epoch number
// (seconds are scaled to milliseconds).
type wireTime int64

func (t *wireTime) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ms, err := coerceTimestamp(raw)
	if err != nil {
		return err
	}
	*t = wireTime(ms)
	return nil
}

// coerceTimestamp normalizes a wire timestamp value to epoch milliseconds.
// Numeric values below 1e12 are taken as seconds.
func coerceTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		if x == "" {
			return 0, nil
		}
		if ts, err := time.Parse(wireTimeLayout, x); err == nil {
			return ts.UTC().UnixMilli(), nil
		}
		if ts, err := time.Parse(time.RFC3339, x); err == nil {
			return ts.UTC().UnixMilli(), nil
		}
		n, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("unrecognized timestamp %q", x)
		}
		return scaleEpoch(n), nil
	case float64:
		return scaleEpoch(x), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return scaleEpoch(n), nil
	}
	return 0, fmt.Errorf("unrecognized timestamp type %T", v)
}

func scaleEpoch(n float64) int64 {
	if n < 1e12 {
		return int64(n * 1000)
	}
	return int64(n)
}

type metricWire struct {
	UID        string          `json:"uid"`
	Server     string          `json:"server"`
	Name       string          `json:"name"`
	TagName    string          `json:"tag_name"`
	LastRowID  int64           `json:"last_rowid"`
	Parameters json.RawMessage `json:"parameters"`
}

type instanceWire struct {
	Server    string `json:"server"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Location  string `json:"location"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
}

type notificationWire struct {
	UID          string   `json:"uid"`
	Metric       string   `json:"metric"`
	Timestamp    wireTime `json:"timestamp"`
	Acknowledged bool     `json:"acknowledged"`
	WindowSize   int64    `json:"windowsize"`
}

type annotationWire struct {
	UID       string   `json:"uid"`
	Server    string   `json:"server"`
	Timestamp wireTime `json:"timestamp"`
	Created   wireTime `json:"created"`
	Device    string   `json:"device"`
	User      string   `json:"user"`
	Message   string   `json:"message"`
	Data      string   `json:"data"`
}

// streamList walks a JSON array of objects, converting each element and
// handing it to fn. A false return from fn stops the walk without error.
// Unknown object keys are skipped; missing fields keep their zero values.
func streamList[W any, R any](r io.Reader, conv func(*W) R, fn func(*R) bool) error {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		var w W
		if err := dec.Decode(&w); err != nil {
			return corrupt("list element", err)
		}
		rec := conv(&w)
		if !fn(&rec) {
			return nil
		}
	}
	if _, err := dec.Token(); err != nil {
		return corrupt("list end", err)
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return corrupt("token", err)
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return corrupt("structure", fmt.Errorf("expected %q, got %v", want, tok))
	}
	return nil
}

func collect[R any](stream func(func(*R) bool) error) ([]R, error) {
	var out []R
	err := stream(func(r *R) bool {
		out = append(out, *r)
		return true
	})
	return out, err
}

// StreamMetrics decodes a JSON metric list, invoking fn per record.
func StreamMetrics(r io.Reader, fn func(*models.Metric) bool) error {
	return streamList(r, func(w *metricWire) models.Metric {
		return models.Metric{
			ID:         w.UID,
			InstanceID: w.Server,
			Name:       w.Name,
			ServerName: w.TagName,
			LastRowID:  w.LastRowID,
			Parameters: string(w.Parameters),
		}
	}, fn)
}

// ParseMetrics decodes a JSON metric list into a slice.
func ParseMetrics(r io.Reader) ([]models.Metric, error) {
	return collect(func(fn func(*models.Metric) bool) error {
		return StreamMetrics(r, fn)
	})
}

// StreamInstances decodes a JSON instance list, invoking fn per record.
// Instance ids are rewritten to canonical form per the server version.
func StreamInstances(r io.Reader, version ServerVersion, fn func(*models.Instance) bool) error {
	return streamList(r, func(w *instanceWire) models.Instance {
		return models.Instance{
			ID:        CanonicalInstanceID(w.Server, version),
			Name:      w.Name,
			Namespace: w.Namespace,
			Location:  w.Location,
			Message:   w.Message,
			Status:    w.Status,
		}
	}, fn)
}

// ParseInstances decodes a JSON instance list into a slice.
func ParseInstances(r io.Reader, version ServerVersion) ([]models.Instance, error) {
	return collect(func(fn func(*models.Instance) bool) error {
		return StreamInstances(r, version, fn)
	})
}

// StreamNotifications decodes a JSON notification list, invoking fn per record.
func StreamNotifications(r io.Reader, fn func(*models.Notification) bool) error {
	return streamList(r, func(w *notificationWire) models.Notification {
		return models.Notification{
			NotificationID: w.UID,
			MetricID:       w.Metric,
			Timestamp:      int64(w.Timestamp),
			Acknowledged:   w.Acknowledged,
			WindowSize:     w.WindowSize,
		}
	}, fn)
}

// ParseNotifications decodes a JSON notification list into a slice.
func ParseNotifications(r io.Reader) ([]models.Notification, error) {
	return collect(func(fn func(*models.Notification) bool) error {
		return StreamNotifications(r, fn)
	})
}

// StreamAnnotations decodes a JSON annotation list, invoking fn per record.
func StreamAnnotations(r io.Reader, fn func(*models.Annotation) bool) error {
	return streamList(r, func(w *annotationWire) models.Annotation {
		return models.Annotation{
			ID:         w.UID,
			InstanceID: w.Server,
			Timestamp:  int64(w.Timestamp),
			Created:    int64(w.Created),
			Device:     w.Device,
			User:       w.User,
			Message:    w.Message,
			Data:       w.Data,
		}
	}, fn)
}

// ParseAnnotations decodes a JSON annotation list into a slice.
func ParseAnnotations(r io.Reader) ([]models.Annotation, error) {
	return collect(func(fn func(*models.Annotation) bool) error {
		return StreamAnnotations(r, fn)
	})
}

// StreamMetricData decodes the JSON metric-data response shape: an object
// carrying either "metrics" (groups of {uid, data:[[ts,val,score,rowid]]})
// or a flat "data" row array. Rows in the flat form belong to metricID
// unless they carry their own leading metric id (5-element rows). fn is
// invoked per row; returning false stops the stream without error.
func StreamMetricData(r io.Reader, metricID string, fn func(*models.MetricData) bool) error {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return corrupt("object key", err)
		}
		key, ok := tok.(string)
		if !ok {
			return corrupt("object key", fmt.Errorf("expected string, got %v", tok))
		}
		switch key {
		case "metrics":
			done, err := streamMetricGroups(dec, fn)
			if err != nil || done {
				return err
			}
		case "data":
			done, err := streamDataRows(dec, metricID, fn)
			if err != nil || done {
				return err
			}
		default:
			// Skip unknown keys for forward compatibility.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return corrupt("skip value", err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return corrupt("object end", err)
	}
	return nil
}

// ParseMetricData decodes a JSON metric-data response into a slice.
func ParseMetricData(r io.Reader, metricID string) ([]models.MetricData, error) {
	return collect(func(fn func(*models.MetricData) bool) error {
		return StreamMetricData(r, metricID, fn)
	})
}

// streamMetricGroups walks the "metrics" array of per-metric groups.
// Returns done=true when fn requested an early stop.
func streamMetricGroups(dec *json.Decoder, fn func(*models.MetricData) bool) (bool, error) {
	if err := expectDelim(dec, '['); err != nil {
		return false, err
	}
	for dec.More() {
		done, err := streamMetricGroup(dec, fn)
		if err != nil || done {
			return done, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return false, corrupt("metrics end", err)
	}
	return false, nil
}

// streamMetricGroup walks one {uid, data} group. The uid normally precedes
// the rows; rows seen before it are buffered until it arrives.
func streamMetricGroup(dec *json.Decoder, fn func(*models.MetricData) bool) (bool, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return false, err
	}
	var uid string
	var pending []models.MetricData
	stopped := false

	emit := func(md *models.MetricData) bool {
		if stopped {
			return false
		}
		if md.MetricID == "" {
			md.MetricID = uid
		}
		if md.MetricID == "" {
			pending = append(pending, *md)
			return true
		}
		if !fn(md) {
			stopped = true
			return false
		}
		return true
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return false, corrupt("group key", err)
		}
		key, ok := tok.(string)
		if !ok {
			return false, corrupt("group key", fmt.Errorf("expected string, got %v", tok))
		}
		switch key {
		case "uid":
			if err := dec.Decode(&uid); err != nil {
				return false, corrupt("group uid", err)
			}
			for i := range pending {
				pending[i].MetricID = uid
				if !emit(&pending[i]) {
					break
				}
			}
			pending = nil
		case "data":
			done, err := streamDataRows(dec, uid, func(md *models.MetricData) bool {
				return emit(md)
			})
			if err != nil {
				return false, err
			}
			if done {
				stopped = true
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return false, corrupt("group skip", err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return false, corrupt("group end", err)
	}
	return stopped, nil
}

// streamDataRows walks a row array, converting each positional row.
func streamDataRows(dec *json.Decoder, metricID string, fn func(*models.MetricData) bool) (bool, error) {
	if err := expectDelim(dec, '['); err != nil {
		return false, err
	}
	for dec.More() {
		var row []json.RawMessage
		if err := dec.Decode(&row); err != nil {
			return false, corrupt("data row", err)
		}
		md, err := rowToMetricData(row, metricID)
		if err != nil {
			return false, err
		}
		if !fn(&md) {
			return true, nil
		}
	}
	if _, err := dec.Token(); err != nil {
		return false, corrupt("data end", err)
	}
	return false, nil
}

// rowToMetricData converts a positional JSON row. 4-element rows are
// [ts, value, score, rowid] scoped to metricID; 5-element rows carry a
// leading metric id.
func rowToMetricData(row []json.RawMessage, metricID string) (models.MetricData, error) {
	var md models.MetricData
	if len(row) < 4 {
		return md, corrupt("data row", fmt.Errorf("%d elements, want at least 4", len(row)))
	}
	i := 0
	if len(row) >= 5 {
		if err := json.Unmarshal(row[0], &md.MetricID); err != nil {
			return md, corrupt("row metric id", err)
		}
		i = 1
	} else {
		md.MetricID = metricID
	}

	var rawTS any
	if err := json.Unmarshal(row[i], &rawTS); err != nil {
		return md, corrupt("row timestamp", err)
	}
	ts, err := coerceTimestamp(rawTS)
	if err != nil {
		return md, corrupt("row timestamp", err)
	}
	md.Timestamp = ts

	if err := json.Unmarshal(row[i+1], &md.Value); err != nil {
		return md, corrupt("row value", err)
	}
	if err := json.Unmarshal(row[i+2], &md.AnomalyScore); err != nil {
		return md, corrupt("row anomaly score", err)
	}
	if err := json.Unmarshal(row[i+3], &md.RowID); err != nil {
		return md, corrupt("row rowid", err)
	}
	return md, nil
}
