package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that catalog ids,
// datanodes, and URLs can be queried uniformly in aggregated logs.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Transfer identification
	// ========================================================================
	KeyTransferID = "transfer_id" // Catalog primary key of the transfer
	KeyTrackingID = "tracking_id" // Upstream tracking id
	KeyDatanode   = "datanode"    // Source data node hostname
	KeyURL        = "url"         // Remote file URL
	KeyFile       = "file"        // Local target path
	KeyModel      = "model"       // Originating model name

	// ========================================================================
	// Transfer progress
	// ========================================================================
	KeyStatus   = "status"      // Transfer lifecycle status
	KeyBytes    = "bytes"       // Bytes received so far
	KeyLength   = "length"      // Expected content length
	KeyRateKBps = "rate_kbps"   // Instantaneous or average rate in KiB/s
	KeyDuration = "duration_ms" // Elapsed time in milliseconds

	// ========================================================================
	// Errors
	// ========================================================================
	KeyError  = "error"  // Error value
	KeyReason = "reason" // Short failure tag (AUTH_FAIL, FILE_NOT_FOUND, ...)
)

// Err wraps an error for structured logging under the standard error key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// TransferID formats a transfer attribute.
func TransferID(id int64) slog.Attr {
	return slog.Int64(KeyTransferID, id)
}

// Rate formats a KiB/s rate attribute with fixed precision.
func Rate(kbps float64) slog.Attr {
	return slog.String(KeyRateKBps, fmt.Sprintf("%.1f", kbps))
}
