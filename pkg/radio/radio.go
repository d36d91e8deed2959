// Package radio delivers encoded packets to the uplink. The production
// transport is a LoRa modem on a serial port; an MQTT transport exists for
// bench work where no modem is attached.
package radio

import "context"

// Transport sends one packet per call. Implementations are safe for use from
// a single goroutine; the scheduler is the only sender.
type Transport interface {
	// Send transmits one packet. It blocks until the transport has
	// accepted the frame or ctx is done.
	Send(ctx context.Context, packet string) error
	Close() error
}

// Stats counts transmissions over the life of the process.
type Stats struct {
	// TotalPacketsSent counts every transmit attempt, delivered or not.
	TotalPacketsSent uint64
	// LastSendUnix is the wall-clock time of the most recent attempt.
	LastSendUnix int64
}
