package importer

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

// ideStateKey is where the Kiro IDE keeps its auth tokens inside the
// VS Code style state database.
const ideStateKey = "kiroAgent.kiroAuthTokens"

// ReadIDEState extracts credential items from a Kiro IDE state database.
// An empty path uses the platform default location.
func ReadIDEState(dbPath string) ([]Item, error) {
	if dbPath == "" {
		dbPath = config.KiroIDEDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no Kiro IDE state database at %s; is the IDE installed and signed in?", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = ?", ideStateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no auth tokens stored in %s; sign in to the Kiro IDE first", dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("query state database: %w", err)
	}

	items, err := ParseItems([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("IDE auth tokens: %w", err)
	}
	return items, nil
}
