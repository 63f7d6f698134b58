// Package discovery finds MQTT brokers on the local subnet.
//
// Discovery is a bounded TCP connect sweep over a configured host range:
//
//	s := &discovery.Scanner{Port: 1883, Timeout: 200 * time.Millisecond}
//	hosts, err := s.Scan(ctx, "192.168.1", "10-20,50")
//
// The connection manager calls it at most once per connection cycle, and
// only when it has no endpoints or its connect attempt failed.
package discovery
