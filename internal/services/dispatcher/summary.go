package dispatcher

import "go.uber.org/zap/zapcore"

// Summary counts what one batch or work item did.
type Summary struct {
	Claimed   int
	Delivered int
	Failed    int
	Expired   int

	Sent        int
	Retried     int
	Exhausted   int
	RateLimited int
	Skipped     int
}

func (s *Summary) Add(o Summary) {
	s.Claimed += o.Claimed
	s.Delivered += o.Delivered
	s.Failed += o.Failed
	s.Expired += o.Expired
	s.Sent += o.Sent
	s.Retried += o.Retried
	s.Exhausted += o.Exhausted
	s.RateLimited += o.RateLimited
	s.Skipped += o.Skipped
}

func (s Summary) Empty() bool { return s == Summary{} }

func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("claimed", s.Claimed)
	enc.AddInt("delivered", s.Delivered)
	enc.AddInt("failed", s.Failed)
	enc.AddInt("expired", s.Expired)
	enc.AddInt("sent", s.Sent)
	enc.AddInt("retried", s.Retried)
	enc.AddInt("exhausted", s.Exhausted)
	enc.AddInt("rate_limited", s.RateLimited)
	enc.AddInt("skipped", s.Skipped)
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeRetried
	outcomeExhausted
	outcomeRateLimited
	outcomeExpired
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetried:
		return "retried"
	case outcomeExhausted:
		return "exhausted"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeExpired:
		return "expired"
	}
	return "none"
}

func (s *Summary) count(o outcome) {
	switch o {
	case outcomeSent:
		s.Sent++
	case outcomeRetried:
		s.Retried++
	case outcomeExhausted, outcomeExpired:
		s.Exhausted++
	case outcomeRateLimited:
		s.RateLimited++
	}
}
