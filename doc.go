// Package moray is a client for a fleet of storage-service nodes reached
// through DNS A or SRV discovery. It owns discovering backend instances,
// maintaining an adaptive pool of multiplexed TCP connections to them,
// routing each request to the least-loaded connection, and retiring
// connections gracefully — including a bounded-time fallback connection
// that absorbs brief service-discovery flaps instead of surfacing them as
// outages.
package moray
