package model

// RecordStatus is the lifecycle of a row in a worker's durable store.
// Rows are purged only after positive confirmation: shipped for
// outbound rows, consumed for inbound ones.
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusShipped  RecordStatus = "shipped"
	StatusConsumed RecordStatus = "consumed"
)

// DurableRecord is one buffered payload. ID is the monotonic insertion
// id that fixes replay order.
type DurableRecord struct {
	ID      int64
	Payload []byte
	Status  RecordStatus
}
