package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DatabaseChecker reports whether the session database answers a ping.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// HubChecker reports whether the realtime hub's run loop is accepting work.
func HubChecker(running func() bool, observers func() int64) Checker {
	return func(ctx context.Context) Status {
		if !running() {
			return Status{Name: "realtime", Healthy: false, Detail: "hub not running"}
		}
		return Status{
			Name:    "realtime",
			Healthy: true,
			Detail:  fmt.Sprintf("%d observers connected", observers()),
		}
	}
}
