package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for transfer operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	AttrTransferID   = "transfer.id"
	AttrTrackingID   = "transfer.tracking_id"
	AttrDatanode     = "transfer.datanode"
	AttrURL          = "url.full"
	AttrFile         = "transfer.file"
	AttrModel        = "transfer.model"
	AttrSize         = "transfer.size"
	AttrBytes        = "transfer.bytes_received"
	AttrChecksumType = "transfer.checksum_type"
	AttrOutcome      = "transfer.outcome"
	AttrReason       = "transfer.reason"

	AttrSearchQuery = "discovery.query"
	AttrSearchIndex = "discovery.index_node"
	AttrCatalogURL  = "discovery.catalog_url"
)

// Span names for operations.
const (
	SpanDownload        = "engine.download"
	SpanDispatch        = "engine.dispatch"
	SpanCatalogScan     = "catalog.scan"
	SpanCatalogUpdate   = "catalog.update"
	SpanSearch          = "discovery.search"
	SpanCatalogFetch    = "discovery.catalog_fetch"
	SpanLogon           = "auth.logon"
)

// TransferID returns an attribute for the catalog transfer ID
func TransferID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrTransferID, id)
}

// Datanode returns an attribute for the serving data node
func Datanode(host string) attribute.KeyValue {
	return attribute.String(AttrDatanode, host)
}

// URL returns an attribute for the download URL
func URL(url string) attribute.KeyValue {
	return attribute.String(AttrURL, url)
}

// File returns an attribute for the local file path
func File(path string) attribute.KeyValue {
	return attribute.String(AttrFile, path)
}

// Bytes returns an attribute for bytes received so far
func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// Outcome returns an attribute for the terminal transfer outcome
func Outcome(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}

// StartDownloadSpan starts a span covering a single file download.
func StartDownloadSpan(ctx context.Context, transferID int64, datanode, url string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		TransferID(transferID),
		Datanode(datanode),
		URL(url),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanDownload, trace.WithAttributes(allAttrs...))
}
