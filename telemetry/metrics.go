package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RebuildBuckets for schema cache rebuilds (catalog round trips included)
	RebuildBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PollBuckets for cohort poll cycles against the backing store
	PollBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// DeliveryBuckets for outbound webhook calls
	DeliveryBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Schema cache metrics
var (
	// SchemaRebuildsTotal counts cache rebuilds by result (success, failed)
	SchemaRebuildsTotal CounterVec = noopCounterVec{}

	// SchemaRebuildSeconds measures rebuild duration
	SchemaRebuildSeconds Histogram = NoopStat{}

	// SchemaVersion tracks the currently published metadata version
	SchemaVersion Gauge = NoopStat{}

	// SchemaInconsistentObjects tracks inconsistent objects in the current snapshot
	SchemaInconsistentObjects Gauge = NoopStat{}

	// SchemaSourcesReused counts source sub-trees reused across incremental rebuilds
	SchemaSourcesReused Counter = NoopStat{}
)

// Live query metrics
var (
	// CohortsActive tracks cohorts by state (active, draining)
	CohortsActive GaugeVec = noopGaugeVec{}

	// ListenersActive tracks attached subscription listeners
	ListenersActive Gauge = NoopStat{}

	// CohortPollsTotal counts cohort poll cycles by result (success, failed, stale)
	CohortPollsTotal CounterVec = noopCounterVec{}

	// CohortPollSeconds measures poll cycle duration
	CohortPollSeconds Histogram = NoopStat{}

	// ListenerPushesTotal counts result pushes to listeners
	ListenerPushesTotal Counter = NoopStat{}

	// PlanRecompilesTotal counts plan recompilations after schema changes
	PlanRecompilesTotal Counter = NoopStat{}
)

// Event delivery metrics
var (
	// EventsFetchedTotal counts events claimed from the store by class
	EventsFetchedTotal CounterVec = noopCounterVec{}

	// EventsDeliveredTotal counts terminal event outcomes by class and result (delivered, failed)
	EventsDeliveredTotal CounterVec = noopCounterVec{}

	// EventRetriesTotal counts delivery attempts that were rescheduled, by class
	EventRetriesTotal CounterVec = noopCounterVec{}

	// EventsInFlight tracks events currently claimed by this instance, by class
	EventsInFlight GaugeVec = noopGaugeVec{}

	// DeliverySeconds measures webhook call duration by class
	DeliverySeconds HistogramVec = noopHistogramVec{}

	// StaleLocksReclaimed counts locks released by the stale-lock sweep
	StaleLocksReclaimed Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SchemaRebuildsTotal = NewCounterVec(
		"schema_rebuilds_total",
		"Schema cache rebuilds by result",
		[]string{"result"},
	)
	SchemaRebuildSeconds = NewHistogram(
		"schema_rebuild_seconds",
		"Schema cache rebuild duration in seconds",
		RebuildBuckets,
	)
	SchemaVersion = NewGauge(
		"schema_version",
		"Currently published metadata version",
	)
	SchemaInconsistentObjects = NewGauge(
		"schema_inconsistent_objects",
		"Inconsistent objects in the current snapshot",
	)
	SchemaSourcesReused = NewCounter(
		"schema_sources_reused_total",
		"Source sub-trees reused across incremental rebuilds",
	)

	CohortsActive = NewGaugeVec(
		"cohorts",
		"Live query cohorts by state",
		[]string{"state"},
	)
	ListenersActive = NewGauge(
		"listeners",
		"Attached subscription listeners",
	)
	CohortPollsTotal = NewCounterVec(
		"cohort_polls_total",
		"Cohort poll cycles by result",
		[]string{"result"},
	)
	CohortPollSeconds = NewHistogram(
		"cohort_poll_seconds",
		"Cohort poll cycle duration in seconds",
		PollBuckets,
	)
	ListenerPushesTotal = NewCounter(
		"listener_pushes_total",
		"Result pushes to subscription listeners",
	)
	PlanRecompilesTotal = NewCounter(
		"plan_recompiles_total",
		"Plan recompilations forced by schema changes",
	)

	EventsFetchedTotal = NewCounterVec(
		"events_fetched_total",
		"Events claimed from the store",
		[]string{"class"},
	)
	EventsDeliveredTotal = NewCounterVec(
		"events_delivered_total",
		"Terminal event outcomes",
		[]string{"class", "result"},
	)
	EventRetriesTotal = NewCounterVec(
		"event_retries_total",
		"Delivery attempts rescheduled for retry",
		[]string{"class"},
	)
	EventsInFlight = NewGaugeVec(
		"events_in_flight",
		"Events currently claimed by this instance",
		[]string{"class"},
	)
	DeliverySeconds = NewHistogramVec(
		"delivery_seconds",
		"Webhook call duration in seconds",
		[]string{"class"},
		DeliveryBuckets,
	)
	StaleLocksReclaimed = NewCounter(
		"stale_locks_reclaimed_total",
		"Locks released by the stale lock sweep",
	)
}
