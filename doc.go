// Package ddilgo provides a disconnection-tolerant multi-path network
// controller for edge devices that must keep data flowing over
// degraded, intermittent, and low-bandwidth links.
//
// The controller manages a set of heterogeneous links (satellite,
// cellular, mesh, emergency radio) behind pluggable drivers, monitors
// their health continuously, routes traffic over the best usable path,
// hands over between paths without losing in-flight data, and buffers
// writes in a durable cache during total disconnection so they replay
// in original order once any path returns.
//
// The entry point is the ddil package:
//
//	c, err := ddil.New(ddil.Config{
//		Links: []ddil.LinkConfig{
//			{ID: "sat-1", Kind: link.KindSatellite, Driver: satDriver},
//			{ID: "cell-1", Kind: link.KindCellular, Driver: cellDriver},
//		},
//	})
//	...
//	res, err := c.Submit(ctx, payload)
//
// See examples/failover for a runnable demonstration.
package ddilgo
