// Package influxdb exports delivery metrics to InfluxDB v2.
//
// Client wraps influxdb-client-go's batched, non-blocking write API.
// Recorder converts publish outcomes, outbox writes, drain passes and
// broker status transitions into points:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	rec := influxdb.NewRecorder(client, deviceID)
//	board.OnChange(rec.RecordStatus)
//	svc := delivery.NewService(fanout, box, sig, delivery.WithServiceMetrics(rec))
//
// Metrics are best effort: write failures go to the SetOnError callback
// and never affect delivery.
package influxdb
