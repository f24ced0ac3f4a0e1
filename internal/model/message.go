// internal/model/message.go
package model

import "time"

// Message is a persisted message record. Records are append-only.
type Message struct {
	ID        int64     `db:"id" json:"id"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StreamRecord is a record handed to the consumer by one poll of the stream.
type StreamRecord struct {
	Topic     string
	Text      string
	Partition int32
	Offset    int64
}

// DeliveryReceipt is the position a published record was accepted at.
type DeliveryReceipt struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}
