package chatstate

import (
	"html/template"

	"chatsync/internal/content"
	"chatsync/internal/models"
)

// MessageView is a message prepared for display to uid.
type MessageView struct {
	models.Message
	Delivery string
	HTML     template.HTML
	Own      bool
	// Editable covers both edit and delete.
	Editable bool
}

func Views(msgs []models.Message, uid string) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		html, err := content.Render(m.Content)
		if err != nil {
			html = template.HTML(content.Escape(m.Content))
		}
		own := m.SenderID == uid
		views[i] = MessageView{
			Message:  m,
			Delivery: models.DeliveryStatus(m),
			HTML:     html,
			Own:      own,
			Editable: own && m.Status == models.MessageStatusConfirmed,
		}
	}
	return views
}

// Title is the chat name shown to uid: the group name, or the other member's
// display name for direct chats.
func Title(chat models.Chat, uid string) string {
	if chat.IsGroup {
		return chat.GroupName
	}
	for _, u := range chat.MembersData {
		if u.UID != uid {
			return u.DisplayName
		}
	}
	for _, m := range chat.Members {
		if m != uid {
			return m
		}
	}
	return ""
}
