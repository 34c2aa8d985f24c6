// Package hub streams session events to WebSocket subscribers.
//
// A connection is scoped to one account and sees only events whose
// session label its resolved ACL allows. The allowed set follows role
// and ACL changes live; when it empties, the connection is closed with
// code 4403. Clients may narrow further with a subscribe message;
// narrowing is conjunctive and can never widen beyond the ACL.
//
// Delivery is best-effort: each connection has a bounded send buffer and
// overflow drops events for that subscriber only.
package hub
