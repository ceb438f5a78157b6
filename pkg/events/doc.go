/*
Package events provides an in-memory event broker that fans out
coordination-log activity to external watchers (spec §12 supplemented
watch/stream surface).

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - One event type: types.LogEvent           │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                  │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

coordinator.Coordinator publishes one Event per CoordinationLogEntry it
appends (claimed, progressed, completed, released, escalated); the
gRPC watch server in pkg/api subscribes and re-streams each one to
external clients as JSON. Publish never blocks the coordinator: a full
subscriber buffer, or no subscribers at all, silently drops the event
rather than stalling a mutation.
*/
package events
