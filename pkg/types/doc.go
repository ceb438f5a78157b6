/*
Package types defines the core data structures shared by every package in
the coordination runtime: work items, agent status, coordination log
entries, trace context, and span records. These types are the wire format
persisted by pkg/pcs and exchanged between the coordinator, reactor,
telemetry pipeline, and optimizer.
*/
package types
