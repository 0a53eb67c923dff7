package database

import (
	ctx "context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// PruneDb removes the execution history of sessions that reached a terminal status more than
// expireAfter ago. Sessions are processed in batches across transactions, so if this fails midway
// through the history of some sessions may already be gone.
func PruneDb(ctx ctx.Context, db *pgx.Conn, batchLimit int, expireAfter time.Duration, clock clock.Clock) error {
	start := time.Now()
	cutOffTime := clock.Now().Add(-expireAfter)

	// Insert the ids of all sessions whose history we want to delete into a tmp table
	_, err := db.Exec(ctx,
		`CREATE TEMP TABLE rows_to_delete AS (
		     SELECT DISTINCT s.session_id FROM sessions s
		     JOIN scheduler_execution_history h ON h.session_id = s.session_id
		     WHERE s.status_changed_at < $1
		     AND s.status IN ('TERMINATED', 'CANCELLED', 'ERROR'))`, cutOffTime)
	if err != nil {
		return errors.WithStack(err)
	}
	totalSessions := 0
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM rows_to_delete").Scan(&totalSessions)
	if err != nil {
		return errors.WithStack(err)
	}
	if totalSessions == 0 {
		log.Infof("Found no session history to be deleted. Exiting")
		return nil
	}
	log.Infof("Found %d sessions with history to be deleted", totalSessions)

	// create temp table to hold a batch of results
	_, err = db.Exec(ctx, "CREATE TEMP TABLE batch (session_id TEXT);")
	if err != nil {
		return errors.WithStack(err)
	}
	sessionsPruned := 0
	for {
		batchStart := time.Now()
		batchSize := 0
		err := pgx.BeginTxFunc(ctx, db, pgx.TxOptions{
			IsoLevel:       pgx.ReadCommitted,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "INSERT INTO batch(session_id) SELECT session_id FROM rows_to_delete LIMIT $1;", batchLimit)
			if err != nil {
				return err
			}
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM batch").Scan(&batchSize); err != nil {
				return err
			}
			if batchSize == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, `
				DELETE FROM scheduler_execution_history WHERE session_id in (SELECT session_id from batch);
				DELETE FROM rows_to_delete WHERE session_id in (SELECT session_id from batch);
				TRUNCATE TABLE batch;`)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "error deleting batch from postgres")
		}
		if batchSize == 0 {
			// nothing more to delete
			break
		}
		sessionsPruned += batchSize
		log.Infof("Pruned history of %d sessions in %s. Pruned %d sessions out of %d", batchSize, time.Since(batchStart), sessionsPruned, totalSessions)
	}
	log.Infof("Pruned history of %d sessions in %s", sessionsPruned, time.Since(start))
	return nil
}
