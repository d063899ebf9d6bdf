package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend opened by appName every few
// seconds. In-flight transactions on it roll back; the pool reconnects.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(3) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND application_name = $1 AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1`, appName)
			}
		}
	}
}
