package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for fundwatch telemetry, namespaced per OpenTelemetry conventions.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrFundCode    = attribute.Key("fund.code")
	AttrOutcome     = attribute.Key("refresh.outcome")
	AttrTrigger     = attribute.Key("refresh.trigger")
	AttrCorrelation = attribute.Key("refresh.correlation")
	AttrEventType   = attribute.Key("event.type")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrErrorType   = attribute.Key("error.type")
	AttrDBPool      = attribute.Key("db.pool")
	AttrStoreDriver = attribute.Key("store.driver")

	AttrMigrationSource = attribute.Key("migrations.source")
)

// Instrument names shared between producers and the histogram views.
const (
	MetricRequests                = "refresh.requests"
	MetricOutcomes                = "refresh.outcomes"
	MetricAttemptDuration         = "refresh.attempt.duration"
	MetricRetries                 = "refresh.retries"
	MetricPending                 = "refresh.registry.pending"
	MetricOrphans                 = "refresh.registry.orphans"
	MetricBulkDuration            = "refresh.bulk.duration"
	MetricEventbusPublished       = "eventbus.events.published"
	MetricEventbusDropped         = "eventbus.delivery.dropped"
	MetricEventbusSubscribers     = "eventbus.subscribers"
	MetricEventbusPublishDuration = "eventbus.publish.duration"
	MetricMigrations              = "db.migrations"
	MetricDBPoolTotal             = "db.pool.connections.total"
	MetricDBPoolIdle              = "db.pool.connections.idle"
	MetricDBPoolAcquired          = "db.pool.connections.acquired"
	MetricDBPoolConstructing      = "db.pool.connections.constructing"
	MetricStoreOperations         = "store.operations"
)

// Trigger values
const (
	TriggerSingle = "single"
	TriggerBulk   = "bulk"
	TriggerTrack  = "track"
)

// OutcomeAttributes returns attributes for a settled request.
func OutcomeAttributes(environment, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOutcome.String(outcome),
	}
}

// RequestAttributes returns attributes for an issued request.
func RequestAttributes(environment, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTrigger.String(trigger),
	}
}

// EventAttributes returns common attributes for event bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
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
