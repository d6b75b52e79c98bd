// Package twinsentry provides a behavioural engine for digital twins; A digital
// twin is a virtual representation of a real-world entity (a sensor, a router,
// an actuator) - maintained by digesting the telemetry stream the entity
// publishes in order to keep a consistent view of its observed state.
//
// On top of that state, the engine learns what "normal" looks like for every
// metric of every twin (see Modeler), classifies the operational health of each
// twin (see StateMachine), and flags deviations that indicate anomalous or
// malicious activity (see Detector). Anomalies are deduplicated and routed to
// external sinks by the Dispatcher.
//
// The Engine ties these parts together behind a bounded ingestion queue and a
// hash-partitioned worker pool, such that all messages of a single twin are
// processed in order while unrelated twins progress in parallel:
//
//	topic, payload -> Router -> Store -> Detector -> Dispatcher -> AlertSink
//	                              |          |
//	                              +-> Modeler (trained only while HEALTHY)
//
// Health transitions and anomaly events are appended to a Journal (see the
// neo4jsink and timescale packages) which the engine never reads back.
//
// Deployments typically run the engine as a component (see Component) fed by a
// pubsub subscription, for example:
//
//	engine, err := twinsentry.NewEngine(cfg, twinsentry.WithAlertSink(twinsentry.NewTopicSink(topic)))
//	if err != nil {
//		return err
//	}
//	l.Fork("engine", engine)
//	l.Fork("feed", engine.Feed(subscription))
package twinsentry
