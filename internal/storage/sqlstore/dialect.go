package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	dialectMySQL  = "mysql"
	dialectSQLite = "sqlite"
)

type dialect struct {
	name           string
	driver         string
	defaultMaxOpen int
	upsertSQL      string
	isDuplicate    func(error) bool
}

var dialects = map[string]dialect{
	dialectMySQL: {
		name:           dialectMySQL,
		driver:         "mysql",
		defaultMaxOpen: 20,
		upsertSQL: `INSERT INTO conversations (id, user_id, title, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    title = IF(user_id = VALUES(user_id), VALUES(title), title),
    updated_at = IF(user_id = VALUES(user_id), VALUES(updated_at), updated_at)`,
		isDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
	dialectSQLite: {
		name:   dialectSQLite,
		driver: "sqlite",
		// One writer at a time avoids SQLITE_BUSY under concurrent branches.
		defaultMaxOpen: 1,
		upsertSQL: `INSERT INTO conversations (id, user_id, title, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
    WHERE conversations.user_id = excluded.user_id`,
		isDuplicate: func(err error) bool {
			var sqliteErr *sqlite.Error
			if !errors.As(err, &sqliteErr) {
				return false
			}
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return true
			case sqlite3.SQLITE_CONSTRAINT:
				return strings.Contains(sqliteErr.Error(), "UNIQUE")
			}
			return false
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported storage driver %q", name)
	}
	return d, nil
}
