package memory

// Corrupt overwrites an account's counters without a ledger entry.
func (s *Store) Corrupt(accountID string, balance int64, freeUsed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[accountID]; ok {
		acc.Balance = balance
		acc.FreeUsedToday = freeUsed
	}
}
