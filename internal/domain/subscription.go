package domain

import "time"

// SubscribeOptions carries the credentials a plugin presents when subscribing.
type SubscribeOptions struct {
	AccessToken         string
	RequiredPermissions []Permission
}

// SubscriptionInfo is a read-only view of a live subscription.
type SubscriptionInfo struct {
	ID                  string              `json:"id"`
	PluginID            string              `json:"pluginId"`
	PersonaID           string              `json:"personaId"`
	EventType           EventType           `json:"eventType"`
	RequiredPermissions []Permission        `json:"requiredPermissions,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	Performance         SubscriptionMetrics `json:"performance"`
}

// SubscriptionMetrics are the per-subscription counters updated after every dispatch.
type SubscriptionMetrics struct {
	TotalProcessed        int64     `json:"totalProcessed"`
	AverageProcessingTime float64   `json:"averageProcessingTime"` // milliseconds
	ErrorCount            int64     `json:"errorCount"`
	LastProcessed         time.Time `json:"lastProcessed,omitempty"`
}

// SubscriptionStats aggregates the subscription table.
type SubscriptionStats struct {
	TotalSubscriptions  int               `json:"totalSubscriptions"`
	ByEventType         map[EventType]int `json:"byEventType"`
	ByPlugin            map[string]int    `json:"byPlugin"`
	TotalProcessed      int64             `json:"totalProcessed"`
	TotalErrors         int64             `json:"totalErrors"`
	AverageErrorRate    float64           `json:"averageErrorRate"`
	SlowestSubscription string            `json:"slowestSubscription,omitempty"`
}
