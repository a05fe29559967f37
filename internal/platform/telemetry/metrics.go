package telemetry

// DeliveryBuckets covers websocket writes through slow rest-hook endpoints.
var DeliveryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Dispatcher metrics
var (
	// EventsReceived counts resource events accepted onto the dispatch queue.
	EventsReceived Counter = NoopStat{}

	// EventsDropped counts resource events dropped because the queue was full.
	EventsDropped Counter = NoopStat{}

	// MatchPanics counts criteria evaluations that panicked.
	MatchPanics Counter = NoopStat{}

	// NotificationsTotal counts delivery attempts by channel type and result (delivered, failed, dropped).
	NotificationsTotal CounterVec = noopCounterVec{}

	// DeliveryDuration measures delivery latency by channel type.
	DeliveryDuration HistogramVec = noopHistogramVec{}

	// DispatchWorkers tracks live per-subscription delivery workers.
	DispatchWorkers Gauge = NoopStat{}
)

// Registry metrics
var (
	// ActiveSubscriptions tracks the size of the active snapshot.
	ActiveSubscriptions Gauge = NoopStat{}

	// ActivationsTotal counts activation attempts by result (active, error).
	ActivationsTotal CounterVec = noopCounterVec{}
)

// Channel metrics
var (
	// OpenChannels tracks bound websocket channels.
	OpenChannels Gauge = NoopStat{}

	// ChannelBindsTotal counts bind attempts by result (bound, rejected, conflict).
	ChannelBindsTotal CounterVec = noopCounterVec{}
)

func initMetrics() {
	EventsReceived = NewCounter("events_received_total", "Resource events accepted for dispatch")
	EventsDropped = NewCounter("events_dropped_total", "Resource events dropped because the dispatch queue was full")
	MatchPanics = NewCounter("match_panics_total", "Criteria evaluations that panicked")
	NotificationsTotal = NewCounterVec("notifications_total", "Notification delivery attempts", []string{"channel", "result"})
	DeliveryDuration = NewHistogramVec("delivery_duration_seconds", "Notification delivery latency", []string{"channel"}, DeliveryBuckets)
	DispatchWorkers = NewGauge("dispatch_workers", "Live per-subscription delivery workers")

	ActiveSubscriptions = NewGauge("active_subscriptions", "Subscriptions in the active snapshot")
	ActivationsTotal = NewCounterVec("activations_total", "Subscription activation attempts", []string{"result"})

	OpenChannels = NewGauge("open_channels", "Bound websocket channels")
	ChannelBindsTotal = NewCounterVec("channel_binds_total", "Websocket bind attempts", []string{"result"})
}
