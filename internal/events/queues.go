package events

import "strconv"

const (
	QueueOrders   = "order_queue"
	QueuePayments = "payment_queue"
)

// PartitionKey = order_id, so every event of one order lands on the same
// partition where the transport supports it.
func PartitionKey(orderID int64) []byte {
	return []byte(strconv.FormatInt(orderID, 10))
}
