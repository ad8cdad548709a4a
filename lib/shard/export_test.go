package shard

// Crash releases the shard without a final checkpoint, as if the process
// had died after the last commit.
func (s *Shard) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.commitMeter.Stop()
	s.commitTimer.Stop()
	_ = s.log.Close()
}
