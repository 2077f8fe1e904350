package message

type Message struct {
	Txseq  uint64 `json:"txseq"`
	Txtime int64  `json:"txtime"` // epoch milliseconds

	LinkInit   *LinkInit   `json:"link_init,omitempty" msgpack:",omitempty"`
	LinkAccept *LinkAccept `json:"link_accept,omitempty" msgpack:",omitempty"`
	LinkExit   *LinkExit   `json:"link_exit,omitempty" msgpack:",omitempty"`

	Payload *Payload `json:"payload,omitempty" msgpack:",omitempty"`
}
