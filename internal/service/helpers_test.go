package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"genledger/internal/catalog"
	"genledger/internal/config"
	"genledger/internal/model"
	"genledger/internal/policy"
	"genledger/internal/provider"
	"genledger/internal/repository"
	"genledger/internal/repository/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu sync.Mutex
	// submitErrs are returned by successive Submit calls before succeeding.
	submitErrs []error
	submits    int
	statuses   map[string]model.ProviderOutcome
	statusErr  error
}

func (p *fakeProvider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		return "", err
	}
	return "ref-" + req.JobID, nil
}

func (p *fakeProvider) GetStatus(_ context.Context, ref string) (model.ProviderOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return model.ProviderOutcome{}, p.statusErr
	}
	if out, ok := p.statuses[ref]; ok {
		return out, nil
	}
	return model.ProviderOutcome{Status: model.OutcomePending}, nil
}

func (p *fakeProvider) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	return nil
}

func (d *recordingDispatcher) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.jobs...)
}

type fakeArtifacts struct {
	mu    sync.Mutex
	saved map[string]*model.Artifact
	err   error
}

func (a *fakeArtifacts) Save(_ context.Context, jobID string, art *model.Artifact) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.saved == nil {
		a.saved = map[string]*model.Artifact{}
	}
	a.saved[jobID] = art
	return fmt.Sprintf("generations/%s/artifact.json", jobID), nil
}

type harness struct {
	clock      *testClock
	store      *memory.Store
	provider   *fakeProvider
	dispatcher *recordingDispatcher
	artifacts  *fakeArtifacts
	jobs       *JobService
	accounts   *AccountService
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(
		[]catalog.Category{{ID: "pop", Title: "Pop"}},
		[]catalog.Preset{
			{ID: "pop-upbeat", Title: "Upbeat pop", CategoryID: "pop", Style: "pop, upbeat", PriceAudio: 149},
		},
	)
	require.NoError(t, err)
	return cat
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	store := memory.New(repository.LedgerOptions{
		FreeLimit: policy.DefaultRules.FreeTextPerDay,
		Location:  time.UTC,
		Now:       clock.Now,
	})
	h := &harness{
		clock:      clock,
		store:      store,
		provider:   &fakeProvider{statuses: map[string]model.ProviderOutcome{}},
		dispatcher: &recordingDispatcher{},
		artifacts:  &fakeArtifacts{},
	}
	h.jobs = NewJobService(JobServiceDeps{
		Ledger:   store,
		Jobs:     store,
		Provider: h.provider,
		Catalog:  testCatalog(t),
		Rules:    policy.DefaultRules,
		Retry: config.RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			RequestTimeout: time.Second,
		},
		Sweep: config.SweepSettings{
			PendingAfter:   2 * time.Minute,
			ReservedAfter:  2 * time.Minute,
			SubmittedAfter: 5 * time.Minute,
			MaxJobAge:      time.Hour,
			BatchSize:      100,
		},
		Dispatcher: h.dispatcher,
		Artifacts:  h.artifacts,
		Logger:     zerolog.Nop(),
		Now:        clock.Now,
	})
	h.jobs.sleep = func(context.Context, time.Duration) error { return nil }
	h.accounts = NewAccountService(store, policy.DefaultRules.FreeTextPerDay, zerolog.Nop())
	return h
}

func (h *harness) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := h.store.GetOrCreateAccount(context.Background(), accountID)
	require.NoError(t, err)
	_, err = h.store.Credit(context.Background(), accountID, amount, model.ReasonTopUp, "seed-"+accountID)
	require.NoError(t, err)
}

func (h *harness) account(t *testing.T, accountID string) *model.Account {
	t.Helper()
	acc, err := h.store.GetOrCreateAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acc
}

func (h *harness) requireConsistent(t *testing.T, accountID string) {
	t.Helper()
	rep, err := h.store.Audit(context.Background(), accountID, false)
	require.NoError(t, err)
	require.True(t, rep.Consistent(), "account %s drifted: %+v", accountID, rep)
}

func textSpec(prompt string) model.JobSpec {
	return model.JobSpec{Kind: model.KindText, Prompt: prompt}
}
