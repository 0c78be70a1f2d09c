package service

import (
	"context"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
)

// DispatchRunner is the part of the Dispatcher the worker needs.
type DispatchRunner interface {
	Dispatch(ctx context.Context, campaignID int, strategy StrategyName) (*DispatchResult, error)
}

// Worker processes dispatch jobs taken off the queue
type Worker struct {
	Dispatcher DispatchRunner
	Log        zerolog.Logger
}

// Constructor
func NewWorker(d DispatchRunner, log zerolog.Logger) *Worker {
	return &Worker{Dispatcher: d, Log: log}
}

// Handle runs one dispatch job. Only persistence failures are returned so the
// queue retries them; a job for a missing campaign or one in the wrong state
// is dropped.
func (w *Worker) Handle(ctx context.Context, job queue.DispatchJob) error {
	log := w.Log.With().Int("campaign_id", job.CampaignID).Str("strategy", job.Strategy).Logger()

	strategy, err := ParseStrategy(job.Strategy)
	if err != nil {
		log.Error().Err(err).Msg("dropping dispatch job")
		return nil
	}

	result, err := w.Dispatcher.Dispatch(ctx, job.CampaignID, strategy)
	switch {
	case err == nil:
	case appErrors.IsNotFound(err), appErrors.IsInvalidStateTransition(err):
		log.Warn().Err(err).Msg("dropping dispatch job")
		return nil
	case appErrors.IsPersistence(err):
		log.Error().Err(err).Msg("dispatch failed, will retry")
		return err
	default:
		log.Error().Err(err).Msg("dispatch failed")
		return nil
	}

	log.Info().
		Str("status", string(result.Status)).
		Int("sent", result.TotalSent).
		Int("failed", result.TotalFailed).
		Int("left_assigned", result.LeftAssigned).
		Msg("dispatch job finished")
	return nil
}
