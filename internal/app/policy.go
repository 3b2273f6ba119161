package app

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a participant whose send queue is full.
type Policy interface {
	OnBackPressure(dropped int) BackpressureAction
}

// SimplePolicy drops messages until a connection has missed Limit of them
// in a row, then disconnects it.
type SimplePolicy struct {
	Limit int
}

func (p SimplePolicy) OnBackPressure(dropped int) BackpressureAction {
	if p.Limit > 0 && dropped >= p.Limit {
		return KickMember
	}
	return DropFrame
}
