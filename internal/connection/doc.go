// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to the tech suite notification channel
//   - Performs the AUTH handshake and waits for the server acknowledgment
//   - Queues outbound frames (bounded, FIFO) until the connection is authenticated
//   - Handles reconnection with capped exponential backoff and a bounded attempt budget
//   - Fans incoming frames out to channel and type subscribers
package connection
