// Package webchat is the websocket surface. Every socket attached to a session
// key shares that key's binding: it receives a snapshot on attach and on every
// session notification, and its commands (send, cancel, clear, config, ping)
// act on the shared session.
package webchat
