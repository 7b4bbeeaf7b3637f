package domain

import "time"

// EventMetric is the per-event-type aggregate kept by the performance monitor.
// TotalSubscriptions counts dispatch attempts, not distinct subscribers.
type EventMetric struct {
	EventType             EventType `json:"eventType"`
	TotalPublished        int64     `json:"totalPublished"`
	TotalSubscriptions    int64     `json:"totalSubscriptions"`
	AverageProcessingTime float64   `json:"averageProcessingTime"` // milliseconds
	ErrorRate             float64   `json:"errorRate"`
	LastPublished         time.Time `json:"lastPublished,omitempty"`
	FrequencyPerMinute    int       `json:"frequencyPerMinute"`
}
