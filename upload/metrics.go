package upload

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cyberinferno/genie-upload/catalog"
)

var (
	sessionsStarted = metrics.NewCounter("genie_upload_sessions_started_total")
	bytesReceived   = metrics.NewCounter("genie_upload_bytes_received_total")
	payloadWritten  = metrics.NewCounter("genie_upload_payload_bytes_written_total")
	filesWritten    = metrics.NewCounter("genie_upload_files_written_total")
)

func sessionsFinished(outcome catalog.Outcome) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`genie_upload_sessions_finished_total{outcome=%q}`, outcome))
}
