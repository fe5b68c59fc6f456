// Package agent runs automated participants inside conversations.
//
// An agent is an ordinary conversation member with the agent role. A Runner
// subscribes it to a single conversation's committed events, feeds human
// messages into a QueryProcessor, and submits the streamed replies back
// through the conversation's sequencer. Replies are screened, rate limited
// and ordered exactly like human messages; the conversation layer grants
// agents no special treatment beyond the role marker.
//
// The QueryProcessor interface is the seam to the actual query engine.
// EchoProcessor is the in-repo stub; production processors wrap whatever
// model or pipeline answers the platform's natural-language queries.
package agent
