// Package mqtt publishes dispatch records to an MQTT broker.
//
// Each record is published to <topic>/<name>, where name is the tag name (or the mac when
// the tag has no name). The payload is the record's fields as a JSON object. The time
// field is left out unless full_json is set, in which case the hostname is added too.
//
// # Last will
//
// With lwt.enabled the broker is told to publish lwt.offline on lwt.topic when the
// connection drops; lwt.online is published retained after every connect and lwt.offline
// on a clean Close.
//
// # Home Assistant discovery
//
// When discovery.topic is set, a config message is published the first time a device is
// seen, for every field listed in discovery.fields:
//
//	<discovery.topic>/<name>-<field>/config
//
// The set of announced devices is cleared when discovery.announce_topic receives the
// payload "online" or "ruuvi", so configs are republished after Home Assistant restarts.
package mqtt
