package message

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Outgoing is a pooled unit of payload handed to links for sending.
// Once sent it belongs to the engine; an unsent Outgoing that will never be
// sent must be returned to its Pool.
type Outgoing struct {
	Data []byte
	sent atomic.Bool
}

func newOutgoing() *Outgoing {
	return &Outgoing{
		Data: make([]byte, 0, typicalDataLen),
		sent: atomic.Bool{},
	}
}

func (o *Outgoing) Write(b []byte) {
	o.Data = append(o.Data, b...)
}

func (o *Outgoing) IsSent() bool {
	return o.sent.Load()
}

func (o *Outgoing) MarkSent() {
	o.sent.Store(true)
}

func (o *Outgoing) reset() {
	o.Data = o.Data[:0]
	o.sent.Store(false)
}

const typicalDataLen int = 256

type Pool struct {
	logPrefix string
	pl        sync.Pool
}

func NewPool(logPrefix string) *Pool {
	return &Pool{
		logPrefix: logPrefix,
		pl: sync.Pool{
			New: func() any {
				return newOutgoing()
			},
		},
	}
}

func (p *Pool) Get() *Outgoing {
	oAny := p.pl.Get()
	o, ok := oAny.(*Outgoing)
	if !ok {
		err := fmt.Errorf("%s: failed to cast outgoing, oAny=%#v", p.logPrefix, oAny)
		log.Printf("%s", err.Error())
		panic(err)
	}
	return o
}

func (p *Pool) Put(o *Outgoing) {
	if o == nil {
		return
	}
	// recycle message
	o.reset()
	p.pl.Put(o)
}
