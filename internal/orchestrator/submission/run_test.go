package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"genledger/internal/pgmq"
	"genledger/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu      sync.Mutex
	pending []*pgmq.Message
	sent    map[string][][]byte
	deleted []int64
}

func (q *fakeQueue) ReadWithPoll(ctx context.Context, _ string, _, max, _ int) ([]*pgmq.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	n := min(max, len(q.pending))
	out := q.pending[:n]
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) Send(_ context.Context, queue string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sent == nil {
		q.sent = map[string][][]byte{}
	}
	q.sent[queue] = append(q.sent[queue], payload)
	return nil
}

func (q *fakeQueue) Delete(_ context.Context, _ string, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return nil
}

type fakeSubmitter struct {
	errs map[string]error
}

func (s *fakeSubmitter) SubmitToProvider(_ context.Context, jobID string) error {
	return s.errs[jobID]
}

func message(id int64, readCount int, jobID string) *pgmq.Message {
	return &pgmq.Message{ID: id, ReadCount: readCount, Data: []byte(fmt.Sprintf(`{"job_id":%q}`, jobID))}
}

func TestHandle(t *testing.T) {
	opts := Options{Queue: "submit", DeadLetterQueue: "submit_dlq", MaxDeliveries: 3}
	svc := &fakeSubmitter{errs: map[string]error{
		"exhausted": fmt.Errorf("%w after 3 attempts", service.ErrSubmissionExhausted),
		"flaky":     errors.New("connection reset"),
	}}

	tests := []struct {
		name    string
		msg     *pgmq.Message
		deleted bool
		dlq     bool
	}{
		{"success is acknowledged", message(1, 1, "ok"), true, false},
		{"exhausted goes to dlq", message(2, 1, "exhausted"), true, true},
		{"transient failure is retried", message(3, 1, "flaky"), false, false},
		{"repeated failure goes to dlq", message(4, 3, "flaky"), true, true},
		{"malformed goes to dlq", &pgmq.Message{ID: 5, ReadCount: 1, Data: []byte("not json")}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			handle(context.Background(), zerolog.Nop(), q, svc, opts, tt.msg)
			if tt.deleted {
				require.Equal(t, []int64{tt.msg.ID}, q.deleted)
			} else {
				require.Empty(t, q.deleted)
			}
			if tt.dlq {
				require.Equal(t, [][]byte{tt.msg.Data}, q.sent["submit_dlq"])
			} else {
				require.Empty(t, q.sent)
			}
		})
	}
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	q := &fakeQueue{pending: []*pgmq.Message{message(1, 1, "a"), message(2, 1, "b")}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, zerolog.Nop(), q, &fakeSubmitter{}, Options{Queue: "submit"})
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.deleted) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
