package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by relay instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrQueue       = attribute.Key("queue")
	AttrListener    = attribute.Key("listener")
	AttrEventType   = attribute.Key("event.type")
	AttrResult      = attribute.Key("result")
	AttrOperation   = attribute.Key("operation")
	AttrTable       = attribute.Key("table")
	AttrPoolName    = attribute.Key("db_pool")
	AttrTokenScope  = attribute.Key("token.scope")
)

// Job outcome values for AttrResult.
const (
	ResultCompleted = "completed"
	ResultRetried   = "retried"
	ResultFailed    = "failed"
	ResultDead      = "dead"
	ResultReclaimed = "reclaimed"
	ResultLeaseLost = "lease_lost"
)

// QueueAttributes returns attributes for job metrics.
func QueueAttributes(environment, queue, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrQueue.String(queue),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ListenerAttributes returns attributes for outbox handler metrics.
func ListenerAttributes(environment, listener string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrListener.String(listener),
	}
}

// TableAttributes returns attributes for cleanup metrics.
func TableAttributes(environment, table string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTable.String(table),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
