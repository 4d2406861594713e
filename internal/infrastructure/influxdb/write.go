package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-automation/internal/device"
)

// MeasurementDeviceState holds one point per numeric or boolean property
// change.
const MeasurementDeviceState = "device_state"

// WritePointWithTime queues a point. It satisfies the automation
// package's PointWriter.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteDeviceChange records the numeric and boolean properties of a state
// change. Other value types are skipped; booleans are stored as 0 or 1 so
// every property is one float series.
func (c *Client) WriteDeviceChange(ch device.Change) {
	if ch.Kind != device.ChangeState {
		return
	}
	fields := make(map[string]interface{}, len(ch.Properties))
	for prop, v := range ch.Properties {
		if f, ok := numericField(v); ok {
			fields[prop] = f
		}
	}
	tags := map[string]string{"device_id": ch.DeviceID}
	if ch.Source != "" {
		tags["source"] = ch.Source
	}
	c.WritePointWithTime(MeasurementDeviceState, tags, fields, ch.Timestamp)
}

func numericField(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
