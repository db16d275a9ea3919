// Package fieldgate is a telemetry ingestion and alerting gateway for
// field sensor fleets.
//
// Devices publish schema-free readings, status updates and registration
// messages on NATS subjects; the gateway routes them into a per-device
// ingestion buffer, reduces full buffers into tumbling-window aggregates,
// evaluates threshold alerts over the aggregates and forwards both to
// downstream collaborators. A REST API serves device records, recent
// telemetry and command dispatch.
//
// Package layout:
//
//   - telemetry: core data model (devices, readings, windows, alerts)
//   - router: NATS subject parsing and message intake
//   - registry: authoritative device records
//   - ingest: per-device buffering and window aggregation
//   - alert: threshold rule evaluation
//   - faststore: latest-snapshot and history caches
//   - dispatch: outbound device commands
//   - gateway: pipeline orchestration and downstream forwarding
//   - api/http: REST query surface
package fieldgate
