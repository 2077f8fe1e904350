package hybrid

type Status uint8

const (
	StatusDisconnected  Status = 0
	StatusConnecting    Status = 1
	StatusConnected     Status = 2
	StatusDisconnecting Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown Status"
	}
}

type SendResult uint8

const (
	SendResultFailedNotConnected SendResult = 0
	SendResultSent               SendResult = 1
	SendResultQueued             SendResult = 2
	SendResultDropped            SendResult = 3
)

func (r SendResult) String() string {
	switch r {
	case SendResultFailedNotConnected:
		return "Failed Not Connected"
	case SendResultSent:
		return "Sent"
	case SendResultQueued:
		return "Queued"
	case SendResultDropped:
		return "Dropped"
	default:
		return "Unknown Result"
	}
}
