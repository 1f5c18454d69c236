package matrix

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.mau.fi/util/dbutil"
	_ "modernc.org/sqlite" // SQLite driver
)

// openCryptoDB opens the persistent olm store under storePath. The crypto
// schema is managed by mautrix itself; this only supplies the connection.
func openCryptoDB(storePath string) (*dbutil.Database, error) {
	if storePath == "" {
		storePath = defaultStorePath()
	}
	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, fmt.Errorf("create crypto store dir: %w", err)
	}

	path := filepath.Join(storePath, "crypto.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	db.SetMaxOpenConns(1)

	// mautrix keys its sqlite dialect handling off this name.
	wrapped, err := dbutil.NewWithDB(db, "sqlite3-fk-wal")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wrap crypto store: %w", err)
	}
	return wrapped, nil
}

func defaultStorePath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "mmrelay", "store")
}
