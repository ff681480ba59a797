package baseline

import "github.com/miradorstack/resolve-sim/internal/models"

type message struct {
	level models.Level
	text  string
}

// Background chatter per service. {trace_id} is substituted at emission.
var serviceMessages = map[string][]message{
	"order-service": {
		{models.LevelInfo, "Order created successfully"},
		{models.LevelInfo, "Order status updated to processing"},
		{models.LevelInfo, "Inventory check passed for order {trace_id}"},
		{models.LevelInfo, "Payment authorization received"},
		{models.LevelWarning, "Slow database query detected: 450ms"},
		{models.LevelInfo, "Order fulfillment initiated"},
	},
	"payment-service": {
		{models.LevelInfo, "Payment processed successfully"},
		{models.LevelInfo, "Payment verification complete"},
		{models.LevelInfo, "Refund initiated for transaction {trace_id}"},
		{models.LevelInfo, "Card tokenization successful"},
		{models.LevelWarning, "Payment retry attempt 1 of 3"},
	},
	"notification-service": {
		{models.LevelInfo, "Email notification sent to customer"},
		{models.LevelInfo, "SMS notification queued"},
		{models.LevelInfo, "Push notification delivered"},
		{models.LevelInfo, "Batch notification job completed: 150 sent"},
	},
	"user-service": {
		{models.LevelInfo, "User authentication successful"},
		{models.LevelInfo, "User profile updated"},
		{models.LevelInfo, "Password reset token generated"},
		{models.LevelInfo, "Session refreshed for user {trace_id}"},
	},
	"api-gateway": {
		{models.LevelInfo, "Request routed to order-service"},
		{models.LevelInfo, "Request routed to payment-service"},
		{models.LevelInfo, "Rate limit check passed"},
		{models.LevelInfo, "JWT token validated"},
		{models.LevelWarning, "Request approaching rate limit: 85% of quota"},
	},
}

var genericMessages = []message{
	{models.LevelInfo, "Request handled"},
	{models.LevelInfo, "Health check passed"},
	{models.LevelInfo, "Cache refreshed"},
	{models.LevelWarning, "Slow downstream call: 400ms"},
}

func messagesFor(service string) []message {
	if msgs, ok := serviceMessages[service]; ok {
		return msgs
	}
	return genericMessages
}
