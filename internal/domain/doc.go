// Package domain defines the core entities of the request orchestration
// engine: requests, workflow plans, conversations, messages, analytics,
// events, and the error taxonomy shared by all components.
package domain
