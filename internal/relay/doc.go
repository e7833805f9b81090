// Package relay serves the streaming chat endpoints, turning one-shot HTTP
// requests into server-pushed SSE streams brokered against the provider.
package relay
