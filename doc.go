// Package anchorwatch is the link layer of an anchor watch system: a phone or
// browser controller talks to a boat device directly over BLE or through a
// cloud relay, and the relay keeps the latest device state, device config and
// a server-side GPS track per boat.
//
// Packages:
//
//	protocol    am.v1 envelopes and payload helpers
//	chunk       BLE frame codec and reassembly
//	ack         request/acknowledgement correlation
//	connection  the Connection contract, with ble, relay and synthetic links
//	linker      active link selection, failover and liveness verdicts
//	hub         per-boat websocket fan-out on the relay
//	merge       per-field last-writer-wins state and config, track dedup
//	gateway     the relay HTTP API and the pipe upgrade
//	storage     memory and NATS KV backends for merge entries
//
// Binaries live under cmd: anchorwatch-relay serves the relay and
// anchorwatch is a command-line controller.
package anchorwatch
