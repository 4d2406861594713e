// Package api is the hub's HTTP and WebSocket surface for automations.
//
// It exposes:
//   - /api/v1/automations for rule CRUD, enable/disable, manual triggers
//     and execution history
//   - /api/v1/devices for the cached device state and direct commands
//   - /api/v1/audit for the activity trail
//   - /health and /metrics (Prometheus) for operations
//   - a WebSocket endpoint whose Hub receives automation.triggered,
//     notification and device.state_changed broadcasts
//
// Lifecycle follows the other infrastructure components:
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
//
// Clients subscribe to channels after connecting:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["automation.triggered"]}}
package api
