package postgres

import (
	"time"

	"github.com/platinummonkey/meterd/pkg/storage"
)

func testConfig(url string) storage.Config {
	cfg := storage.DefaultConfig()
	cfg.PostgresURL = url
	cfg.PostgresTimeout = 2 * time.Second
	return cfg
}
