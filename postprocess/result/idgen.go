package result

import "sync/atomic"

// IDGenerator hands out incremental ID numbers for detection results
type IDGenerator struct {
	id int64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// GetNext returns the next incremental number
func (id *IDGenerator) GetNext() int64 {
	return atomic.AddInt64(&id.id, 1)
}
