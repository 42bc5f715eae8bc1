// Package metrics provides Prometheus metrics collection for the chatroom service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_websocket_connections",
		Help: "Current number of active WebSocket connections",
	})

	// RoomMembers tracks the current number of connection memberships across all rooms
	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_room_members",
		Help: "Current number of connections admitted to session rooms",
	})

	// ActiveRooms tracks the number of session rooms with at least one local member
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_active_rooms",
		Help: "Current number of session rooms with local members",
	})

	// RoomJoins counts join attempts by outcome (admitted, unauthorized, not_found, error)
	RoomJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_room_joins_total",
		Help: "Total number of room join attempts by outcome",
	}, []string{"outcome"})

	// MessagesReceived tracks the total number of events received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_messages_received_total",
		Help: "Total number of events received from clients",
	})

	// MessagesSent tracks the total number of frames written to clients
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_messages_sent_total",
		Help: "Total number of frames written to clients",
	})

	// MessagesDropped counts frames dropped because a connection buffer was full or closing
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_messages_dropped_total",
		Help: "Total number of frames dropped on slow or closing connections",
	})

	// MessagesPersisted counts messages appended to the store by sender type
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_messages_persisted_total",
		Help: "Total number of messages appended by sender type",
	}, []string{"sender_type"})

	// MessageErrors tracks the total number of event processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_message_errors_total",
		Help: "Total number of event processing errors",
	})

	// AIRequests tracks the total number of AI responder requests by provider
	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_ai_requests_total",
		Help: "Total number of AI responder requests by provider",
	}, []string{"provider"})

	// AILatency tracks the latency of AI responder requests by provider
	AILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatroom_ai_latency_seconds",
		Help:    "Latency of AI responder requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// AIErrors tracks the total number of AI responder errors by provider
	AIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_ai_errors_total",
		Help: "Total number of AI responder errors by provider",
	}, []string{"provider"})

	// PromptTokens observes the token size of assembled prompt contexts by mode
	PromptTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatroom_prompt_tokens",
		Help:    "Token count of assembled prompt contexts",
		Buckets: prometheus.ExponentialBuckets(64, 2, 10),
	}, []string{"mode"})

	// SessionsCreated tracks the total number of sessions created
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_sessions_created_total",
		Help: "Total number of chat sessions created",
	})

	// SessionsResolved tracks the total number of sessions resolved
	SessionsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_sessions_resolved_total",
		Help: "Total number of chat sessions resolved",
	})

	// HumanHandoffs tracks the total number of ai_conversation to human_support transitions
	HumanHandoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_human_handoffs_total",
		Help: "Total number of sessions handed off to human support",
	})

	// StoreOperationDuration tracks store operation latency by backend and operation
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatroom_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	// NotificationsSent counts creator notifications by outcome
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_notifications_total",
		Help: "Total number of creator notifications by outcome",
	}, []string{"outcome"})

	// HTTPRequestDuration tracks HTTP handler latency by route and method
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatroom_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status"})
)
