// Package mqtt connects the controller to an MQTT v5 broker using
// Eclipse Paho and describes the doorbell to Home Assistant through
// MQTT discovery.
//
// Unlike a self-healing connection manager, a [Dialer] makes exactly
// one connection attempt per call. Reconnect cadence and the decision
// to stop retrying after an authentication rejection belong to the
// connectivity supervisor, so broker refusals are reported as
// [connectivity.RefusedError] values carrying the CONNACK reason code.
package mqtt
