// Package websocket provides a live-view sink: a WebSocket server that broadcasts every
// dispatched record batch to the connected clients.
//
// # Configuration
//
//	{
//	  "addr": ":8081",
//	  "path": "/ws",
//	  "write_timeout": "10s",
//	  "ping_interval": "30s",
//	  "allowed_origins": ["https://dashboard.example.com"],
//	  "tls": {"enabled": false}
//	}
//
// An empty allowed_origins list accepts any origin.
//
// # Message format
//
// Each item is sent as one text message:
//
//	{"type":"data","id":"17","timestamp":1714564800000,"resend":false,"payload":[{"measurement":"ruuvi","tags":{...},"fields":{...}}]}
//
// Client messages are read only to notice disconnects; their content is ignored.
//
// # Delivery
//
// Delivery to viewers is best effort. A client whose write fails or times out is
// dropped, and Publish still succeeds, so a slow browser never holds back the sink queue.
// Publish fails only when the server is not listening, which sends the item through the
// usual resend path until the supervisor restarts the listener.
package websocket
