// Package envelope builds the JSON frames the gateway exchanges with the
// Polaris bot platform over its WebSocket session.
//
// Every frame carries the same three header fields:
//   - bot: the sender identity (the bot username)
//   - platform: the gateway instance type, e.g. "rest"
//   - type: the variant tag
//
// Variants:
//   - init: sent once per connection with the bot user and its configuration
//   - ping: heartbeat
//   - message: a conversation message the platform answers
//   - broadcast / redirect: fire-and-forget delivery to a target
//   - notify: fire-and-forget delivery to a user through a personality
//
// Usage:
//
//	b := envelope.NewBuilder(envelope.DefaultIdentity("rest"))
//	env := b.Broadcast("42", "hi", "", nil, "")
//	// env.Target == "all", env.Message.Type == "text"
//
// Builders never fail and never validate: optional arguments left empty take
// the package defaults and everything else is copied as given.
package envelope
