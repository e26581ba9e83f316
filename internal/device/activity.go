package device

import "context"

// BallActivityKind classifies a single settled ball movement observed
// by a counter.
type BallActivityKind int

const (
	// ActivityEntrance is a new ball that entered through the front door.
	ActivityEntrance BallActivityKind = iota
	// ActivityUnknown is a new ball that appeared without a matching
	// entrance observation.
	ActivityUnknown
	// ActivityLost is a ball that disappeared from the count.
	ActivityLost
	// ActivityReturn is a ball that bounced back after an eject attempt.
	ActivityReturn
)

func (k BallActivityKind) String() string {
	switch k {
	case ActivityEntrance:
		return "entrance"
	case ActivityUnknown:
		return "unknown"
	case ActivityLost:
		return "lost"
	case ActivityReturn:
		return "return"
	default:
		return "invalid"
	}
}

// BallActivity is one counted ball movement.
type BallActivity struct {
	Kind BallActivityKind
}

// ActivityStream delivers ball activities from a counter to a single
// consumer, in order, without blocking the counter.
type ActivityStream struct {
	q *fifo[BallActivity]
}

func newActivityStream() *ActivityStream {
	return &ActivityStream{q: newFifo[BallActivity]()}
}

func (s *ActivityStream) put(a BallActivity) { s.q.Put(a) }

// Get blocks until the next activity or ctx cancellation.
func (s *ActivityStream) Get(ctx context.Context) (BallActivity, error) {
	return s.q.Get(ctx)
}

func (s *ActivityStream) TryGet() (BallActivity, bool) { return s.q.TryGet() }

// Ready is closed while activities are pending.
func (s *ActivityStream) Ready() <-chan struct{} { return s.q.Ready() }
