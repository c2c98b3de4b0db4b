// Package service orchestrates the matching core: instrument shards,
// sequencing, the execution journal, replay, snapshots and the outbox.
//
// It provides the API for placing, cancelling and querying orders,
// decoupled from transports like REST, gRPC or the broker intake.
package service
