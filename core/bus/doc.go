// Package bus carries committed events from the event store to other
// processes over an external broker.
//
// A [Publisher] encodes each committed envelope with the [Codec] into a
// [Message] routed by event type and sends it through a [Transport]. A
// [Consumer] runs one loop per [Subscription], decodes what it receives and
// dispatches to an es.Handler, usually a [Handlers] registry. Delivery is at
// least once: handlers must be idempotent.
//
// Broker-side objects are declared as a [Topology] and provisioned by the
// [TopologyManager] on every start. Provisioning steps report a
// [ProvisionResult] instead of failing on objects that already exist.
//
// [MemoryBroker] is the in-process transport; adapters/nats and adapters/redis
// reach real brokers through a shared connection pool.
package bus
