// Package realtime fans history events out to live client connections.
//
// The ConnectionManager groups connections by agent ID, subscribes to the
// hub's history signals, and broadcasts HISTORY_UPDATE / HISTORY_CREATED
// messages to every ready connection for the affected agent. A connection
// whose send fails is removed immediately; one dead client never blocks the
// rest of a broadcast.
//
// The Conn interface hides the transport. WebsocketConn adapts a
// coder/websocket connection; tests substitute in-memory fakes.
package realtime
