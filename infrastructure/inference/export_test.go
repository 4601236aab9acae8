package inference

import "time"

// SweepIdleForTest exposes the janitor's sweep to black-box tests so idle
// eviction can be driven with a synthetic clock.
func (s *Service) SweepIdleForTest(now time.Time) int { return s.sweepIdle(now) }
