package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionDSN(t *testing.T) {
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", Option{}.dsn())

	opt := Option{
		Host:     "db",
		Port:     6543,
		User:     "trader",
		Password: "p@ss",
		Database: "connector",
		Params:   map[string]string{"application_name": "tradeconn", "": "ignored"},
	}
	assert.Equal(t, "postgres://trader:p%40ss@db:6543/connector?application_name=tradeconn&sslmode=disable", opt.dsn())

	assert.Equal(t, "host=x", Option{ConnString: "host=x", Host: "db"}.dsn())
}
