package model

import "time"

// RawEntry is a message admitted to a pipeline's queue, exactly as it was received from the bus.
type RawEntry struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	ArrivedAt time.Time `json:"arrivedAt"`
}

// BufferedRow is a validated and fully extracted record awaiting a database write.
// Fields is keyed by column name; values are int64, float64, bool, string, []byte, time.Time or nil.
type BufferedRow struct {
	Table     string
	Fields    map[string]any
	Timestamp time.Time
	Topic     string
}
