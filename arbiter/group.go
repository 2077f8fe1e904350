package arbiter

type Group uint8

const (
	GroupInvalid   Group = 0
	GroupWrite     Group = 1
	GroupHandshake Group = 2
	GroupCallback  Group = 3
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupWrite:
		return "Write"
	case GroupHandshake:
		return "Handshake"
	case GroupCallback:
		return "Callback"
	default:
		return "Unknown Group"
	}
}
