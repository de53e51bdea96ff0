// Package models defines the record types shared between the wire parsers,
// the local store, and the sync orchestrators. All records mirror both a
// database row and a server payload; timestamps are epoch milliseconds
// regardless of which wire encoding produced them.
package models

// Metric is a single monitored metric belonging to exactly one instance.
type Metric struct {
	ID            string `json:"uid"`
	InstanceID    string `json:"server"`
	ServerName    string `json:"tag_name"` // display name, instance-scoped
	Name          string `json:"name"`
	LastRowID     int64  `json:"last_rowid"` // server-side watermark
	LastTimestamp int64  `json:"-"`          // local watermark, ms; advanced only on insert
	Parameters    string `json:"parameters"` // opaque JSON blob
}

// MetricData is one data point for a metric. (MetricID, RowID) is the
// uniqueness key for idempotent batch insert.
type MetricData struct {
	MetricID     string
	Timestamp    int64 // epoch ms
	Value        float64
	AnomalyScore float64
	RowID        int64
}

// Instance groups metrics under a monitored server or resource.
type Instance struct {
	ID        string `json:"server"`
	Name      string `json:"name"` // falls back to ID when absent
	Namespace string `json:"namespace"`
	Location  string `json:"location"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
}

// DisplayName returns the instance name, falling back to the id.
func (i *Instance) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// InstanceData is an aggregated anomaly-score rollup for an instance.
// Unique on (InstanceID, Aggregation, Timestamp); newer write wins.
type InstanceData struct {
	InstanceID   string
	Aggregation  AggregationType
	Timestamp    int64 // epoch ms, bucket start
	AnomalyScore float64
}

// Notification is a server-issued alert. NotificationID is the logical
// identity assigned by the server; LocalID is assigned by the local store
// and is what the OS notification layer keys on.
type Notification struct {
	LocalID        int64  `json:"-"`
	NotificationID string `json:"uid"`
	MetricID       string `json:"metric"`
	Timestamp      int64  `json:"-"` // epoch ms
	Read           bool   `json:"-"`
	Acknowledged   bool   `json:"acknowledged"`
	WindowSize     int64  `json:"windowsize"`
	Description    string `json:"-"` // resolved client-side, lazily
}

// Annotation is a user- or server-authored note tied to an instance at a
// point in time. Only the device named in Device may delete it.
type Annotation struct {
	ID         string `json:"uid"`
	InstanceID string `json:"server"`
	Timestamp  int64  `json:"-"` // epoch ms
	Created    int64  `json:"-"` // epoch ms
	Device     string `json:"device"`
	User       string `json:"user"`
	Message    string `json:"message"`
	Data       string `json:"data"`
}
