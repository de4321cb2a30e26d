package metrics

import (
	"net/http"
	"strconv"

	"depthfeed/internal/logging"
)

// ReportSnapshotWeight parses the exchange's used-request-weight response
// header and surfaces it as a gauge so operators can see how close the
// snapshot fetch is to the exchange's REST budget. This is diagnostic only:
// it never changes retry or backoff behavior.
func ReportSnapshotWeight(log *logging.Log, header http.Header, weightLimit int64) {
	used, err := strconv.ParseInt(header.Get("X-MBX-USED-WEIGHT-1m"), 10, 64)
	if err != nil {
		return
	}

	fields := logging.Fields{}
	if weightLimit > 0 {
		fields["limit"] = weightLimit
	}
	Emit(log, "sequence", "snapshot_used_weight", used, "gauge", fields)
}
