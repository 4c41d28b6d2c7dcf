package pipeline

import (
	"io"
	"os"
	"testing"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Output: io.Discard})
	os.Exit(m.Run())
}
