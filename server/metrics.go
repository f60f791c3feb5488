package server

import "github.com/Blackilykat/PMP-Server/metrics"

var (
	sessionsConnected = metrics.NewGauge("sessions_connected", "server",
		"Number of live client sessions.", nil)
	messagesReceived = metrics.NewCounter("messages_received_total", "server",
		"Inbound records by message type.", []string{"type"})
	messagesSent = metrics.NewCounter("messages_sent_total", "server",
		"Outbound messages by message type.", []string{"type"})
	messagesDropped = metrics.NewCounter("messages_dropped_total", "server",
		"Outbound messages dropped because a session stopped draining its queue.", []string{"type"})
	errorsSent = metrics.NewCounter("errors_sent_total", "server",
		"Error replies by error type.", []string{"type"})
	broadcasts = metrics.NewCounter("broadcasts_total", "server",
		"Fan-out deliveries to the session set.", nil)
	actionsCommitted = metrics.NewCounter("actions_committed_total", "server",
		"Actions appended to the log.", []string{"action_type"})
)
