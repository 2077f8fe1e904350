package peer

import (
	"time"

	"github.com/Meander-Cloud/go-hybrid/hybrid"
	m "github.com/Meander-Cloud/go-hybrid/message"
)

type StatusChanged struct {
	Link   *Link
	Status hybrid.Status
	Reason string
	Time   time.Time
}

type Received struct {
	Link    *Link
	Payload *m.Payload
	Time    time.Time
}

// Callback is invoked on the arbiter goroutine.
type Callback interface {
	StatusChanged(*StatusChanged)
	Received(*Received)
}
