// Package file provides a sink that appends dispatch records to a JSON lines file.
//
// Every record becomes one line:
//
//	{"measurement":"ruuvi","tags":{"mac":"CB:D7:18:26:DA:B4","name":"sauna"},"fields":{"temperature":24.3,"time":"..."}}
//
// When max_bytes is set the file is rotated before a write would grow it past the limit:
// path becomes path.1, path.1 becomes path.2 and so on, keeping max_backups old files.
//
// Configuration:
//
//	{
//	  "path": "/var/lib/ruuvigw/readings.jsonl",
//	  "max_bytes": 10485760,
//	  "max_backups": 3,
//	  "sync": false
//	}
//
// Write errors are transient: the item is requeued and Connect reopens the file on the
// next supervisor tick.
package file
