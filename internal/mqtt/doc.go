// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor state updates so Hearth appears as a native HA
// device with availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and subscribes to the rebuild button's command topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Sensor values come from two places: a [Collector] fed by the event
// bus (requests today, commands today, last request) and a
// [StatsSource] adapter wired in main (uptime, sessions, index size).
package mqtt
