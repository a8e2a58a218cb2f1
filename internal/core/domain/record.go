package domain

import (
	"encoding/json"
	"time"
)

// RawRecord is one upstream item exactly as fetched. Rows are write-once.
type RawRecord struct {
	SourceID    string          `json:"source_id"`
	Name        string          `json:"name"`
	RoadAddress string          `json:"road_address"`
	LotAddress  string          `json:"lot_address"`
	Category    string          `json:"category"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	FetchedAt   time.Time       `json:"fetched_at"`
}
