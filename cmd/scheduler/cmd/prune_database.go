package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/database"
	schedulerdb "github.com/sokovan/sokovan/internal/scheduler/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes the execution history of finished sessions",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of sessions whose history will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		7*24*time.Hour,
		"Length of time after a session finished that its execution history will be removed")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.OpenPgxConn(config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if err := db.Close(ctx); err != nil {
			log.WithError(err).Warn("database connection did not close cleanly")
		}
	}()
	return schedulerdb.PruneDb(ctx, db, batchSize, expireAfter, clock.RealClock{})
}
