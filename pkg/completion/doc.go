// Package completion turns a task description into a program by calling an
// OpenAI-compatible chat-completion endpoint with a strict JSON schema
// response format.
//
// The request carries the task as the user message followed by a fixed
// system prompt that describes the operating constraints. The reply's
// choices[0].message.content must itself be a JSON document with a code
// string and a list of dependency modules. Failures are classified as
// upstream (transport or non-2xx), malformed response (envelope problems)
// or schema violation (content problems).
package completion
