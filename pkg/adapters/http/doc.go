/*
Package http implements the collaborative editing relay server.

Routes:

  - GET /sync/{documentKey}: WebSocket endpoint. Binary frames carry encoded CRDT updates.
  - GET /health, GET /info: liveness and build information.
  - GET /messages/{code}: the user-facing message for a connection error code.
  - GET /metrics: Prometheus metrics, when enabled.

Connection failures are reported in the close frame: the reason text is the connection error
code (authentication-failed, connection-expired, connection-limit-exceeded) so clients can
classify it.
*/
package http
