// Package api exposes the swarm over HTTP: goal submission, budget queries
// and spend records, queue depths, recent incidents, health and Prometheus
// metrics.
package api
