// Package protocol defines the wire format spoken with the bridge service.
//
// # Envelopes
//
// Outbound commands are JSON objects:
//
//	{"syncId": "<id>", "command": "sendGroupMessage", "subCommand": null,
//	 "content": {"sessionKey": "<token>", ...}}
//
// Inbound frames are either {"syncId": "<id>", "data": {...}} or a bare
// {"code": N, "msg": "..."} error. A sync id equal to NoSyncID marks an
// unsolicited notification whose data carries a "type" tag; any other
// non-empty sync id answers the request that used it. The first frame on a
// channel carries an empty sync id and the session token.
//
// # Errors
//
// Every error produced by the client unwraps to one of ErrTransportClosed,
// ErrProtocol, ErrRemote, ErrResourceIntegrity or ErrConfiguration.
package protocol
