package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/jobs"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

// ScoreJobHandler scores the transaction named by a score job. Rows that are
// already scored, held by a backlog run, or gone count as done.
func (b *Backlog) ScoreJobHandler() jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		scoreJob, ok := job.(*jobs.ScoreTransactionJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		log := logger.FromContext(ctx).With().
			Str("job_id", scoreJob.JobID).
			Str("transaction_id", scoreJob.TransactionID).
			Logger()

		tx, err := b.ScoreOne(ctx, scoreJob.TransactionID)
		switch {
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			log.Debug().Err(err).Msg("Nothing to score")
			return nil
		case err != nil:
			return err
		}

		log.Info().
			Int("risk_score", *tx.RiskScore).
			Bool("is_flagged", tx.IsFlagged).
			Msg("Scored transaction from job")
		return nil
	}
}
