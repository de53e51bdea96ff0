package models

import (
	"testing"
	"time"
)

func TestAggregationPeriods(t *testing.T) {
	tests := []struct {
		agg     AggregationType
		minutes int
	}{
		{AggregationHour, 5},
		{AggregationHalfDay, 30},
		{AggregationDay, 60},
		{AggregationWeek, 480},
	}
	for _, tt := range tests {
		if got := tt.agg.Minutes(); got != tt.minutes {
			t.Errorf("%s.Minutes() = %d, want %d", tt.agg, got, tt.minutes)
		}
		if got := tt.agg.Period(); got != time.Duration(tt.minutes)*time.Minute {
			t.Errorf("%s.Period() = %v, want %dm", tt.agg, got, tt.minutes)
		}
	}
}

func TestAggregationString(t *testing.T) {
	tests := []struct {
		agg  AggregationType
		want string
	}{
		{AggregationHour, "hour"},
		{AggregationHalfDay, "halfday"},
		{AggregationDay, "day"},
		{AggregationWeek, "week"},
		{AggregationType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.agg.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestAggregationFromInterval(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     AggregationType
	}{
		{time.Minute, AggregationHour},
		{5 * time.Minute, AggregationHour},
		{6 * time.Minute, AggregationHalfDay},
		{30 * time.Minute, AggregationHalfDay},
		{time.Hour, AggregationDay},
		{4 * time.Hour, AggregationWeek},
		{8 * time.Hour, AggregationWeek},
		{24 * time.Hour, AggregationWeek}, // beyond the coarsest bucket
	}
	for _, tt := range tests {
		if got := AggregationFromInterval(tt.interval); got != tt.want {
			t.Errorf("AggregationFromInterval(%v) = %s, want %s", tt.interval, got, tt.want)
		}
	}
}

func TestInstanceDisplayName(t *testing.T) {
	named := Instance{ID: "i-1234", Name: "web-frontend"}
	if got := named.DisplayName(); got != "web-frontend" {
		t.Errorf("DisplayName() = %q, want %q", got, "web-frontend")
	}

	unnamed := Instance{ID: "i-1234"}
	if got := unnamed.DisplayName(); got != "i-1234" {
		t.Errorf("DisplayName() fallback = %q, want %q", got, "i-1234")
	}
}
