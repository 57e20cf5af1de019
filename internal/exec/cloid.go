package exec

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewClientOrderID returns a random 128-bit id as 0x-prefixed hex.
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
