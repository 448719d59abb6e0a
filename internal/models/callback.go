package models

import (
	"time"
)

// DeliveryStatus records the outcome of one callback attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// CallbackDelivery is one attempt to deliver a signed outbound webhook.
// Rows are append-only: one per attempt.
type CallbackDelivery struct {
	ID         string         `json:"id"`
	CallbackID string         `json:"callback_id"`
	Event      string         `json:"event"`
	URL        string         `json:"url"`
	Attempt    int            `json:"attempt"`
	Status     DeliveryStatus `json:"status"`
	StatusCode int            `json:"status_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
