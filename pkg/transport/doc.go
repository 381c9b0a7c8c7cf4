// Package transport provides duplex.Dialer implementations: WebSocket via
// gorilla/websocket, and length-prefixed frames over stream sockets.
package transport
