package arbiter

import "time"

type event struct {
	g  Group
	f  func()
	t0 time.Time
}

func newEvent() *event {
	return &event{
		g:  GroupInvalid,
		f:  nil,
		t0: time.Time{},
	}
}

// scheduler goroutine
func (e *event) reset() {
	e.g = GroupInvalid
	e.f = nil
	e.t0 = time.Time{}
}
