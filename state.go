package creditledger

// ReservationStatus is the tagged state of a reservation.
//
//	reserved ──commit──▶ committed ──refund──▶ refunded
//	    │
//	    └────release───▶ released
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusCommitted ReservationStatus = "committed"
	StatusReleased  ReservationStatus = "released"
	StatusRefunded  ReservationStatus = "refunded"
)

var transitions = map[ReservationStatus][]ReservationStatus{
	StatusReserved:  {StatusCommitted, StatusReleased},
	StatusCommitted: {StatusRefunded},
}

// CanTransition reports whether a reservation may move from s to next.
func (s ReservationStatus) CanTransition(next ReservationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s ReservationStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is one of the known states.
func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusReserved, StatusCommitted, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// transition moves r to next or fails with ErrInvalidReservationState.
func (r *Reservation) transition(next ReservationStatus) error {
	if !r.Status.CanTransition(next) {
		return ErrInvalidReservationState
	}
	r.Status = next
	return nil
}
