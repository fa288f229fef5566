package httpx

import (
	"os"
	"testing"

	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/observability"
)

func TestMain(m *testing.M) {
	observability.InitializeLogger(config.LoggerConfig{
		Level:  "error",
		Format: "console",
	})
	os.Exit(m.Run())
}
