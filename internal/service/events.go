package service

import (
	"context"
	"encoding/json"
	"time"

	"genledger/internal/model"
	"genledger/internal/pubsub"

	"github.com/rs/zerolog"
)

// Job lifecycle event names published for the chat front-end.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobRejected  = "job.rejected"
)

// JobEvent is the payload published on every terminal transition.
type JobEvent struct {
	Event         string          `json:"event"`
	JobID         string          `json:"job_id"`
	AccountID     string          `json:"account_id"`
	Kind          model.Kind      `json:"kind"`
	State         model.JobState  `json:"state"`
	Charge        *model.Charge   `json:"charge,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Artifact      *model.Artifact `json:"artifact,omitempty"`
	ArtifactKey   string          `json:"artifact_key,omitempty"`
	At            time.Time       `json:"at"`
}

// JobEventPublisher publishes job events. A nil publisher disables publishing.
type JobEventPublisher struct {
	pub    pubsub.Publisher
	topic  string
	logger zerolog.Logger
}

func NewJobEventPublisher(pub pubsub.Publisher, topic string, logger zerolog.Logger) *JobEventPublisher {
	return &JobEventPublisher{
		pub:    pub,
		topic:  topic,
		logger: logger.With().Str("service", "JobEventPublisher").Logger(),
	}
}

// Publish is best effort: failures are logged and never affect the job.
func (p *JobEventPublisher) Publish(ctx context.Context, job *model.Job) {
	if p == nil || p.pub == nil || job == nil {
		return
	}
	var name string
	switch job.State {
	case model.JobCompleted:
		name = EventJobCompleted
	case model.JobFailed:
		name = EventJobFailed
	case model.JobRejected:
		name = EventJobRejected
	default:
		return
	}
	ev := JobEvent{
		Event:         name,
		JobID:         job.ID,
		AccountID:     job.AccountID,
		Kind:          job.Spec.Kind,
		State:         job.State,
		Charge:        job.Charge,
		FailureReason: job.FailureReason,
		Artifact:      job.Artifact,
		ArtifactKey:   job.ArtifactKey,
		At:            job.UpdatedAt,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to marshal job event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	attrs := map[string]string{"event": name, "account_id": job.AccountID}
	if _, err := p.pub.Publish(ctx, p.topic, payload, attrs); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Str("event", name).Msg("Failed to publish job event")
	}
}
