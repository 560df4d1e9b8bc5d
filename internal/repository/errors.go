// Package repository is the MySQL implementation of store.Store.  Each
// table has a small repo with transaction-scoped upserts and a loader used
// at startup; Store ties them to one *sql.Tx per slot section.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/cafeteria-queue/internal/store"
)

// MySQL error numbers that mean a write broke a table invariant.
const (
	errDupEntry        = 1062
	errCheckConstraint = 3819
)

// translate maps constraint violations to store.ErrConflict so the
// section layer can tell them apart from an unavailable database.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDupEntry, errCheckConstraint:
			return fmt.Errorf("%w: %s", store.ErrConflict, me.Message)
		}
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
