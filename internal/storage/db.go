package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/config"
)

// db is the package-wide sqlx handle, matching the convention used across
// the storage test suite (db.Beginx(), DB().DB).
var db *DBLogger

// DBLogger wraps *sqlx.DB. It adds no query logging; queries run exactly
// as on the embedded handle.
type DBLogger struct {
	*sqlx.DB
}

// TxLogger wraps *sqlx.Tx in the same way, without query logging.
type TxLogger struct {
	*sqlx.Tx
}

// Beginx starts a transaction, returning it wrapped as a *TxLogger so every
// caller (including the test-suite, which rolls transactions back directly)
// gets the same wrapper type as the package-level DB handle.
func (d *DBLogger) Beginx() (*TxLogger, error) {
	tx, err := d.DB.Beginx()
	if err != nil {
		return nil, err
	}
	return &TxLogger{Tx: tx}, nil
}

func setupDB(conf config.Config) error {
	d, err := sqlx.Open("postgres", conf.PostgreSQL.DSN)
	if err != nil {
		return errors.Wrap(err, "storage: database connection error")
	}
	d.SetMaxOpenConns(conf.PostgreSQL.MaxOpenConnections)
	d.SetMaxIdleConns(conf.PostgreSQL.MaxIdleConnections)

	for i := 0; i < 5; i++ {
		if err = d.Ping(); err == nil {
			break
		}
		log.WithError(err).Warning("storage: ping database error, retrying")
	}
	if err != nil {
		return errors.Wrap(err, "storage: ping database error")
	}

	db = &DBLogger{DB: d}
	return nil
}

// DB returns the database object.
func DB() *DBLogger {
	return db
}

// Transaction wraps the given function in a SQL transaction. On error the
// transaction is rolled back, otherwise it is committed.
func Transaction(f func(tx sqlx.Ext) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return errors.Wrap(err, "storage: begin transaction error")
	}

	err = f(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("storage: transaction rollback error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "storage: commit transaction error")
	}

	return nil
}

// TxOrDB returns either the given sqlx.Ext, or (when nil) the package DB, so
// storage functions can be called both standalone and inside an existing
// transaction.
func TxOrDB(ctx context.Context, ext sqlx.Ext) sqlx.Ext {
	if ext != nil {
		return ext
	}
	return db
}
