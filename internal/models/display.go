package models

import "fmt"

const (
	DeliveryDelivered = "Delivered"
	DeliverySeen      = "Seen"
)

// DeliveryStatus is the read-time receipt label for a message.
// The sender's own entry in seenBy is not counted.
func DeliveryStatus(m Message) string {
	others := 0
	for _, s := range m.SeenBy {
		if s.UID != m.SenderID {
			others++
		}
	}
	switch {
	case others == 0:
		return DeliveryDelivered
	case others == 1:
		return DeliverySeen
	default:
		return fmt.Sprintf("Seen by %d", others)
	}
}

// Summary is the chat-list preview text for a message.
func Summary(m Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.ImageURL != "" {
		return "Image"
	}
	return ""
}
