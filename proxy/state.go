package proxy

import "fmt"

// State is the lifecycle position of a Connection.
//
//	Established -> Relaying -> HalfClosed -> Closed
//	                  |            |
//	                  +-> Failed <-+-> Closed
type State int32

const (
	Established State = iota
	Relaying
	HalfClosed
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Established:
		return "established"
	case Relaying:
		return "relaying"
	case HalfClosed:
		return "half-closed"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
