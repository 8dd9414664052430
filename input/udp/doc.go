// Package udp receives advertisement frames as UDP datagrams.
//
// Each datagram carries one or more newline separated frames, either JSON
//
//	{"mac":"CB:D7:18:26:DA:B4","rssi":-67,"data":"0201061BFF9904..."}
//
// or comma separated
//
//	CB:D7:18:26:DA:B4,-67,0201061BFF9904...
//
// The data field may be the full advertisement, the manufacturer data or the bare
// Ruuvi payload. Lines that fail to parse are counted and skipped.
//
// Options:
//
//	{"bind": "0.0.0.0", "port": 5350, "read_buffer": 2097152}
package udp
