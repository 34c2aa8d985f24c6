// Package session supervises the per-(account, label) platform clients.
//
// The Supervisor is the only owner of platform clients and their on-disk
// auth directories. It validates loosely-typed client callbacks into the
// typed event stream: message_create becomes a message event with
// chatId = fromMe ? to : from, media-bearing messages get a 15-minute
// download hold, and successful sends emit sent events.
//
// A client error moves the session to the error status and nothing more;
// recovery is destroy + init by an admin.
package session
