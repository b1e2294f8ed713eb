package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

var (
	AttrOperation = attribute.Key("oplog.operation")
	AttrWorker    = attribute.Key("oplog.worker")
	AttrIndex     = attribute.Key("oplog.index")
	AttrLayer     = attribute.Key("oplog.layer")
	AttrKind      = attribute.Key("oplog.kind")

	AttrEphemeral  = attribute.Key("oplog.ephemeral")
	AttrErrorClass = attribute.Key("oplog.error_class")
)

// WorkerOperation creates attributes for an operation on one worker's log.
func WorkerOperation(worker string, index uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorker.String(worker),
		AttrIndex.Int64(int64(index)), //nolint:gosec // indices stay far below 2^63
	}
}

// LayerOperation creates attributes for a storage-layer operation.
func LayerOperation(worker, layer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorker.String(worker),
		AttrLayer.String(layer),
	}
}
