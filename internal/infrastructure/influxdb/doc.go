// Package influxdb records automation telemetry in InfluxDB v2.
//
// Two series are written: automation_execution (one point per finished
// execution, via automation.MetricsSink) and device_state (numeric and
// boolean property changes from the device cache). Writes are batched by
// the official client according to batch_size and flush_interval.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
package influxdb
