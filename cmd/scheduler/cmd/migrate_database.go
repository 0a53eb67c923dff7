package cmd

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sokovan/sokovan/internal/common/database"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/util"
	schedulerdb "github.com/sokovan/sokovan/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the migration will fail if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning scheduler database migration")
	ctx, cancel := sokovancontext.WithTimeout(sokovancontext.Background(), timeout)
	defer cancel()
	var db *pgx.Conn
	util.RetryUntilSuccess(
		ctx,
		func() error {
			conn, err := database.OpenPgxConn(config.Postgres)
			if err != nil {
				return err
			}
			db = conn
			return nil
		},
		func(err error) { log.WithError(err).Warn("Waiting for database to become available") },
		5*time.Second,
	)
	if db == nil {
		return errors.WithMessage(ctx.Err(), "failed to connect to database")
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			log.WithError(err).Warn("database connection did not close cleanly")
		}
	}()
	if err := schedulerdb.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "failed to migrate scheduler database")
	}
	log.Infof("Scheduler database migrated in %s", time.Since(start))
	return nil
}
