package history

import (
	"errors"
	"strings"

	logx "taskmill/pkg/logx"
)

// Open initializes the configured recorder.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Recorder, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
