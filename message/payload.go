package message

type DeliveryMethod uint8

const (
	DeliveryMethodUnknown             DeliveryMethod = 0
	DeliveryMethodUnreliable          DeliveryMethod = 1
	DeliveryMethodUnreliableSequenced DeliveryMethod = 2
	DeliveryMethodReliableUnordered   DeliveryMethod = 3
	DeliveryMethodReliableSequenced   DeliveryMethod = 4
	DeliveryMethodReliableOrdered     DeliveryMethod = 5
)

func (d DeliveryMethod) String() string {
	switch d {
	case DeliveryMethodUnknown:
		return "Unknown"
	case DeliveryMethodUnreliable:
		return "Unreliable"
	case DeliveryMethodUnreliableSequenced:
		return "Unreliable Sequenced"
	case DeliveryMethodReliableUnordered:
		return "Reliable Unordered"
	case DeliveryMethodReliableSequenced:
		return "Reliable Sequenced"
	case DeliveryMethodReliableOrdered:
		return "Reliable Ordered"
	default:
		return "Invalid Method"
	}
}

type Payload struct {
	Method  DeliveryMethod `json:"method"`
	Channel uint8          `json:"channel"`
	Data    []byte         `json:"data"`
}
