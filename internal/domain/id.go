package domain

import (
	"github.com/google/uuid"
)

// jobIDPrefix marks warehouse jobs submitted by the gateway.
const jobIDPrefix = "bqgw_"

// NewJobID generates a time-ordered (UUIDv7) warehouse job id.
func NewJobID() string {
	return jobIDPrefix + uuid.Must(uuid.NewV7()).String()
}
