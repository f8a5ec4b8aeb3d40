package system

import (
	"fmt"

	"github.com/google/uuid"
)

const RequestPrefix = "req_"

func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateRequestID tags a proxied request for log correlation.
func GenerateRequestID() string {
	return fmt.Sprintf("%s%s", RequestPrefix, uuid.New().String())
}
