package message

import "fmt"

type Participant struct {
	Host     string `json:"host"`
	Instance string `json:"instance"`
	Time     int64  `json:"time"` // epoch milliseconds
}

func (p *Participant) ID() string {
	return fmt.Sprintf("%s-%s-%d", p.Host, p.Instance, p.Time)
}

func (p *Participant) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("invalid Host=%s", p.Host)
	}
	if p.Instance == "" {
		return fmt.Errorf("invalid Instance=%s", p.Instance)
	}
	if p.Time <= 0 {
		return fmt.Errorf("invalid Time=%d", p.Time)
	}
	return nil
}

// sent by the dialing side as the first message on a new connection
type LinkInit struct {
	Participant *Participant `json:"participant"`
	Hail        []byte       `json:"hail,omitempty" msgpack:",omitempty"`
}

// sent by the listening side once the link is approved
type LinkAccept struct {
	Participant *Participant `json:"participant"`
}

// sent by either side before closing, or by the listening side to refuse a LinkInit
type LinkExit struct {
	Reason     string `json:"reason"`
	InShutdown bool   `json:"in_shutdown"`
}
