// Package device holds the engine's view of the physical devices: the
// Device State Cache and the MQTT gateway that feeds it and carries
// commands back to the protocol bridges.
//
// # Architecture
//
//	┌────────────────────────┐  graylogic/state/+/+   ┌───────────────────────┐
//	│  Protocol bridges      │───────────────────────▶│  Gateway (gateway.go) │
//	│  (KNX, DALI, ...)      │◀───────────────────────│  • state ingest       │
//	└────────────────────────┘  graylogic/command/... │  • commands + acks    │
//	                                                  └──────────┬────────────┘
//	                                                             │ Apply / SetOnline
//	                                                             ▼
//	                                                  ┌───────────────────────┐
//	                                                  │   Cache (cache.go)    │
//	                                                  │  • sharded RWMutex    │
//	                                                  │  • deep-copy reads    │
//	                                                  │  • Change listeners   │──▶ rule scheduler
//	                                                  └───────────────────────┘
//
// The cache keeps only the latest value per property (last writer wins);
// history belongs to other services. Reads never wait on device I/O:
// commands go through the Gateway, which holds no cache locks.
//
// # Usage
//
//	cache := device.NewCache()
//	cache.Subscribe(func(c device.Change) { scheduler.Submit(toEvent(c)) })
//
//	gw := device.NewGateway(mqttClient, cache, device.GatewayConfig{WaitForAck: true})
//	if err := gw.Start(); err != nil { ... }
//	res, err := gw.SendCommand(ctx, "light-kitchen", "turn_on", nil)
package device
