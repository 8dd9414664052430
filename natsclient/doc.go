// Package natsclient wraps a NATS connection with status tracking, a connect circuit
// breaker and the publish, subscribe and JetStream calls used by the nats source and sink.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("ruuvigw"),
//	    natsclient.WithLogger(logger),
//	)
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "ruuvi.ruuvi.CB:D7:18:26:DA:B4", payload, nil)
//
// Connect may be called again after a failure or Close; it replaces the connection.
// After CircuitThreshold consecutive connect failures the circuit opens and Connect
// returns ErrCircuitOpen until the backoff has passed.
//
// Reconnect buffering is disabled, so a publish while the server is unreachable fails
// immediately instead of being queued inside the client.
package natsclient
