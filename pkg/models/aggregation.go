package models

import "time"

// AggregationType is a fixed rollup bucket width for InstanceData.
type AggregationType int

const (
	AggregationHour    AggregationType = iota // 5-minute buckets over an hour view
	AggregationHalfDay                        // 30-minute buckets
	AggregationDay                            // 60-minute buckets
	AggregationWeek                           // 480-minute buckets
)

var aggregationPeriods = map[AggregationType]time.Duration{
	AggregationHour:    5 * time.Minute,
	AggregationHalfDay: 30 * time.Minute,
	AggregationDay:     60 * time.Minute,
	AggregationWeek:    480 * time.Minute,
}

// Period returns the bucket width for the aggregation type.
func (a AggregationType) Period() time.Duration {
	return aggregationPeriods[a]
}

// Minutes returns the bucket width in whole minutes, as stored on disk
// and on the wire.
func (a AggregationType) Minutes() int {
	return int(a.Period() / time.Minute)
}

func (a AggregationType) String() string {
	switch a {
	case AggregationHour:
		return "hour"
	case AggregationHalfDay:
		return "halfday"
	case AggregationDay:
		return "day"
	case AggregationWeek:
		return "week"
	}
	return "unknown"
}

// AggregationFromInterval selects the smallest bucket whose period covers
// the requested interval, defaulting to the coarsest (Week) when none do.
func AggregationFromInterval(interval time.Duration) AggregationType {
	for _, a := range []AggregationType{AggregationHour, AggregationHalfDay, AggregationDay, AggregationWeek} {
		if a.Period() >= interval {
			return a
		}
	}
	return AggregationWeek
}
