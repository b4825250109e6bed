package observability

import (
	"testing"
	"time"

	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("muxd", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordEnvelope("in", "request")
	RecordDrop(DropDecode)
	RecordCoreRequest("GetService", true)
	SessionOpened()
	SessionClosed()
	RecordCall("ok", 3*time.Millisecond)
}
