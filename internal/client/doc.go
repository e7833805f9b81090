// Package client consumes a relay server's push channel and maintains the
// local conversation state.
//
// # Overview
//
// This package implements the consuming side of the streaming chat protocol.
// The Consumer turns pushed stream events into an in-memory message list,
// tracks the active session, and persists the session index through the
// session package. The API type is the HTTP transport behind it.
//
// # Stream lifecycle
//
// Each Send opens one push channel and drives it through four states:
//
//   - connecting: channel requested, no content yet
//   - streaming: delta fragments arriving
//   - settled: terminal event received, input re-enabled
//
// At most one stream is live at a time. Opening a new stream, switching
// sessions, or starting a new chat closes the previous channel, and events
// from an abandoned channel are never applied.
//
// # Event handling
//
// The consumer reacts to these pushed events:
//
//   - thread.id: binds the conversation handle and saves a new session
//   - thread.message.created: records the reply's message id
//   - thread.message.delta: appends a text fragment to the open reply
//   - thread.message.completed: finalizes the reply
//   - stream.end: terminal success (also finalizes if completed was missed)
//   - stream.error: terminal failure, surfaced as the last error
//
// All other event names are ignored.
//
// # Usage
//
// A consumer is wired from an API client and a session store:
//
//	api := client.NewAPI("http://localhost:5000")
//	consumer := client.NewConsumer(api, api, sessions, logger)
//	consumer.Send(ctx, "Hello")
//	<-consumer.Wait()
package client
