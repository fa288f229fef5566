package engine

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/observability"
)

func TestMain(m *testing.M) {
	observability.InitializeLogger(config.LoggerConfig{
		Level:  "error",
		Format: "console",
	})
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}
