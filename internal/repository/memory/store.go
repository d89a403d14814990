package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/google/uuid"
)

// Store implements the ledger, job and payment repositories in memory.
// A single mutex serialises every operation, which stands in for the
// serializable transactions of the Postgres backend.
type Store struct {
	mu   sync.Mutex
	opts repository.LedgerOptions

	accounts map[string]*model.Account
	entries  []model.LedgerEntry
	// reservation reference -> index into entries
	reservations map[string]int
	// reserve entry ID -> index into entries
	reservationIDs map[string]int
	// reserve entry ID -> reversing entry ID
	reversals map[string]string

	jobs        map[string]*model.Job
	jobsByKey   map[string]string
	jobsByRef   map[string]string
	transitions map[string][]model.JobTransition

	payments map[string]*model.PaymentEvent
}

var (
	_ repository.LedgerRepository  = (*Store)(nil)
	_ repository.JobRepository     = (*Store)(nil)
	_ repository.PaymentRepository = (*Store)(nil)
)

func New(opts repository.LedgerOptions) *Store {
	return &Store{
		opts:           opts.WithDefaults(),
		accounts:       make(map[string]*model.Account),
		reservations:   make(map[string]int),
		reservationIDs: make(map[string]int),
		reversals:      make(map[string]string),
		jobs:           make(map[string]*model.Job),
		jobsByKey:      make(map[string]string),
		jobsByRef:      make(map[string]string),
		transitions:    make(map[string][]model.JobTransition),
		payments:       make(map[string]*model.PaymentEvent),
	}
}

// Ledger

func (s *Store) lockedAccount(accountID string) (*model.Account, error) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	acc.RollQuotaWindow(s.opts.Now(), s.opts.Location)
	return acc, nil
}

func (s *Store) ensureAccount(accountID string) *model.Account {
	acc, ok := s.accounts[accountID]
	if !ok {
		now := s.opts.Now()
		acc = &model.Account{
			ID:           accountID,
			QuotaResetAt: model.NextQuotaReset(now, s.opts.Location),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.accounts[accountID] = acc
	}
	if s.opts.WelcomeBonus > 0 && !acc.WelcomeBonusGiven {
		acc.WelcomeBonusGiven = true
		acc.Balance += s.opts.WelcomeBonus
		s.appendEntry(model.LedgerEntry{
			AccountID: accountID,
			Delta:     s.opts.WelcomeBonus,
			Reason:    model.ReasonWelcomeBonus,
			Reference: accountID,
		})
	}
	acc.RollQuotaWindow(s.opts.Now(), s.opts.Location)
	return acc
}

func (s *Store) appendEntry(e model.LedgerEntry) model.LedgerEntry {
	e.ID = uuid.NewString()
	e.CreatedAt = s.opts.Now()
	s.entries = append(s.entries, e)
	if acc, ok := s.accounts[e.AccountID]; ok {
		acc.UpdatedAt = e.CreatedAt
	}
	return e
}

func (s *Store) reservationAt(idx int) *model.Reservation {
	e := s.entries[idx]
	res := &model.Reservation{
		ID:        e.ID,
		AccountID: e.AccountID,
		Reference: e.Reference,
		CreatedAt: e.CreatedAt,
	}
	if e.QuotaWindow != nil {
		w := *e.QuotaWindow
		res.QuotaWindow = &w
	}
	if e.Reason == model.ReasonQuotaReserve {
		res.Charge = model.FreeCharge()
	} else {
		res.Charge = model.PaidCharge(-e.Delta)
	}
	_, res.Reversed = s.reversals[e.ID]
	return res
}

func (s *Store) GetOrCreateAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := *s.ensureAccount(accountID)
	return &acc, nil
}

func (s *Store) Reserve(_ context.Context, accountID string, charge model.Charge, reference string) (*model.Reservation, error) {
	if reference == "" {
		return nil, fmt.Errorf("reservation reference is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.reservations[reference]; ok {
		return s.reservationAt(idx), nil
	}
	acc, err := s.lockedAccount(accountID)
	if err != nil {
		return nil, err
	}

	entry := model.LedgerEntry{AccountID: accountID, Reference: reference}
	switch charge.Kind {
	case model.ChargeFree:
		if acc.FreeUsedToday >= s.opts.FreeLimit {
			return nil, repository.ErrQuotaExhausted
		}
		acc.FreeUsedToday++
		window := acc.QuotaResetAt
		entry.Delta = 1
		entry.Reason = model.ReasonQuotaReserve
		entry.QuotaWindow = &window
	case model.ChargePaid:
		if charge.Amount <= 0 {
			return nil, fmt.Errorf("invalid charge amount %d", charge.Amount)
		}
		if acc.Balance < charge.Amount {
			return nil, repository.ErrInsufficientFunds
		}
		acc.Balance -= charge.Amount
		entry.Delta = -charge.Amount
		entry.Reason = model.ReasonChargeReserve
	default:
		return nil, fmt.Errorf("unknown charge kind %q", charge.Kind)
	}
	written := s.appendEntry(entry)
	idx := len(s.entries) - 1
	s.reservations[reference] = idx
	s.reservationIDs[written.ID] = idx
	return s.reservationAt(idx), nil
}

func (s *Store) Reverse(_ context.Context, reservationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.reservationIDs[reservationID]
	if !ok {
		return false, fmt.Errorf("loading reservation %s: %w", reservationID, repository.ErrReservationNotFound)
	}
	if _, done := s.reversals[reservationID]; done {
		return false, nil
	}

	res := s.reservationAt(idx)
	acc, err := s.lockedAccount(res.AccountID)
	if err != nil {
		return false, err
	}
	entry := model.LedgerEntry{AccountID: res.AccountID, Reference: res.Reference, Reverses: res.ID}
	if res.Charge.IsFree() {
		entry.Delta = -1
		entry.Reason = model.ReasonQuotaReverse
		entry.QuotaWindow = res.QuotaWindow
		if res.QuotaWindow != nil && res.QuotaWindow.Equal(acc.QuotaResetAt) && acc.FreeUsedToday > 0 {
			acc.FreeUsedToday--
		}
	} else {
		entry.Delta = res.Charge.Amount
		entry.Reason = model.ReasonChargeReverse
		acc.Balance += res.Charge.Amount
	}
	written := s.appendEntry(entry)
	s.reversals[reservationID] = written.ID
	return true, nil
}

func (s *Store) Credit(_ context.Context, accountID string, amount int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	switch reason {
	case model.ReasonTopUp, model.ReasonWelcomeBonus, model.ReasonAdjustment:
	default:
		return nil, fmt.Errorf("reason %q cannot be used for a credit", reason)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.lockedAccount(accountID)
	if err != nil {
		return nil, err
	}
	acc.Balance += amount
	e := s.appendEntry(model.LedgerEntry{AccountID: accountID, Delta: amount, Reason: reason, Reference: reference})
	return &e, nil
}

func (s *Store) FindReservation(_ context.Context, reference string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.reservations[reference]
	if !ok {
		return nil, repository.ErrReservationNotFound
	}
	return s.reservationAt(idx), nil
}

func (s *Store) Entries(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].AccountID == accountID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

func (s *Store) Audit(_ context.Context, accountID string, repair bool) (*model.AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.lockedAccount(accountID)
	if err != nil {
		return nil, err
	}
	rep := &model.AuditReport{AccountID: accountID, Balance: acc.Balance, FreeUsed: acc.FreeUsedToday}
	for _, e := range s.entries {
		if e.AccountID != accountID {
			continue
		}
		if e.Reason.AffectsQuota() {
			if e.QuotaWindow != nil && e.QuotaWindow.Equal(acc.QuotaResetAt) {
				rep.LedgerFreeUsed += int(e.Delta)
			}
			continue
		}
		rep.LedgerBalance += e.Delta
	}
	if repair && !rep.Consistent() {
		acc.Balance = rep.LedgerBalance
		acc.FreeUsedToday = rep.LedgerFreeUsed
		rep.Repaired = true
	}
	return rep, nil
}

// Jobs

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.Charge != nil {
		ch := *j.Charge
		c.Charge = &ch
	}
	if j.Artifact != nil {
		a := *j.Artifact
		a.URLs = append([]string(nil), j.Artifact.URLs...)
		c.Artifact = &a
	}
	return &c
}

func (s *Store) CreateIfAbsent(_ context.Context, idempotencyKey, accountID string, spec model.JobSpec) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobsByKey[idempotencyKey]; ok {
		j := s.jobs[id]
		if j.AccountID != accountID || j.Spec != spec {
			return nil, false, repository.ErrIdempotencyConflict
		}
		return cloneJob(j), false, nil
	}
	if _, ok := s.accounts[accountID]; !ok {
		return nil, false, fmt.Errorf("creating job for key %s: %w", idempotencyKey, repository.ErrAccountNotFound)
	}
	now := s.opts.Now()
	j := &model.Job{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		IdempotencyKey: idempotencyKey,
		Spec:           spec,
		State:          model.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[j.ID] = j
	s.jobsByKey[idempotencyKey] = j.ID
	return cloneJob(j), true, nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) GetJobByProviderRef(_ context.Context, providerRef string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobsByRef[providerRef]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *Store) ListJobs(_ context.Context, accountID string, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, j := range s.jobs {
		if j.AccountID == accountID {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, jobID string, from, to model.JobState, patch repository.TransitionPatch) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, repository.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	if j.State != from {
		return nil, repository.ErrStaleTransition
	}
	if patch.ProviderRef != "" {
		if other, taken := s.jobsByRef[patch.ProviderRef]; taken && other != jobID {
			return nil, fmt.Errorf("provider ref %s already bound to job %s", patch.ProviderRef, other)
		}
	}

	now := s.opts.Now()
	j.State = to
	j.UpdatedAt = now
	if patch.Charge != nil {
		c := *patch.Charge
		j.Charge = &c
	}
	if patch.ReservationID != "" {
		j.ReservationID = patch.ReservationID
	}
	if patch.ProviderRef != "" {
		j.ProviderRef = patch.ProviderRef
		s.jobsByRef[patch.ProviderRef] = jobID
	}
	if patch.FailureReason != "" {
		j.FailureReason = patch.FailureReason
	}
	if patch.Artifact != nil {
		a := *patch.Artifact
		j.Artifact = &a
	}
	if patch.ArtifactKey != "" {
		j.ArtifactKey = patch.ArtifactKey
	}
	if patch.Attempts > j.Attempts {
		j.Attempts = patch.Attempts
	}
	if to.Terminal() {
		j.FinalizedAt = &now
	}

	note := patch.Note
	if note == "" {
		note = patch.FailureReason
	}
	s.transitions[jobID] = append(s.transitions[jobID], model.JobTransition{
		JobID: jobID, From: from, To: to, Reason: note, At: now,
	})
	return cloneJob(j), nil
}

func (s *Store) History(_ context.Context, jobID string) ([]model.JobTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.JobTransition(nil), s.transitions[jobID]...), nil
}

func (s *Store) ListStale(_ context.Context, state model.JobState, olderThan time.Time, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, j := range s.jobs {
		if j.State == state && j.UpdatedAt.Before(olderThan) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnsettled(_ context.Context, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, j := range s.jobs {
		if j.State != model.JobFailed && j.State != model.JobRejected {
			continue
		}
		if j.ReversedAt == nil || s.hasOpenReservation(j.ID) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// hasOpenReservation reports whether reference has a reservation with no reversal.
func (s *Store) hasOpenReservation(reference string) bool {
	idx, ok := s.reservations[reference]
	if !ok {
		return false
	}
	_, reversed := s.reversals[s.entries[idx].ID]
	return !reversed
}

func (s *Store) MarkReversed(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	if j.ReversedAt == nil {
		now := s.opts.Now()
		j.ReversedAt = &now
	}
	return nil
}

// Payments

func (s *Store) Apply(_ context.Context, ev model.PaymentEvent) (*model.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, seen := s.payments[ev.ExternalPaymentID]
	if !seen {
		e := ev
		e.ReceivedAt = s.opts.Now()
		e.Applied = false
		e.AppliedAt = nil
		stored = &e
		s.payments[ev.ExternalPaymentID] = stored
	}
	res := &model.ApplyResult{Duplicate: seen}
	if stored.Applied {
		res.Event = *stored
		return res, nil
	}
	if seen && stored.Status == model.PaymentPending && ev.Status != model.PaymentPending {
		stored.Status = ev.Status
		stored.Amount = ev.Amount
		stored.AccountID = ev.AccountID
		res.Duplicate = false
	}
	if stored.Status == model.PaymentSucceeded {
		acc := s.ensureAccount(stored.AccountID)
		acc.Balance += stored.Amount
		s.appendEntry(model.LedgerEntry{
			AccountID: stored.AccountID,
			Delta:     stored.Amount,
			Reason:    model.ReasonTopUp,
			Reference: stored.ExternalPaymentID,
		})
		now := s.opts.Now()
		stored.Applied = true
		stored.AppliedAt = &now
		res.Credited = true
	}
	res.Event = *stored
	return res, nil
}

func (s *Store) GetPayment(_ context.Context, externalPaymentID string) (*model.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.payments[externalPaymentID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	c := *ev
	return &c, nil
}
