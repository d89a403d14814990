package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"genledger/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep(context.Context) (service.SweepReport, error) {
	if s.calls.Add(1) == 1 {
		return service.SweepReport{}, errors.New("database unavailable")
	}
	return service.SweepReport{Settled: 1}, nil
}

func TestRun_SweepsEveryInterval(t *testing.T) {
	sw := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, zerolog.Nop(), sw, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
