package storage

import (
	"encoding"

	"chatsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	UID         string `msgpack:"uid"`
	DisplayName string `msgpack:"displayName"`
	PhotoURL    string `msgpack:"photoURL"`
	Email       string `msgpack:"email"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.UID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) Model() models.User {
	return models.User{UID: u.UID, DisplayName: u.DisplayName, PhotoURL: u.PhotoURL, Email: u.Email}
}

type DBChat struct {
	ID                   string   `msgpack:"id"`
	Members              []string `msgpack:"members"`
	IsGroup              bool     `msgpack:"isGroup"`
	GroupName            string   `msgpack:"groupName"`
	GroupImage           string   `msgpack:"groupImage"`
	LastMessage          string   `msgpack:"lastMessage"`
	LastMessageAt        int64    `msgpack:"lastMessageAt"`
	CreatedAt            int64    `msgpack:"createdAt"`
	DisappearingDuration int64    `msgpack:"disappearingDuration"`
	ExpiresAt            int64    `msgpack:"expiresAt"`
}

func newDBChat(c models.Chat) *DBChat {
	return &DBChat{
		ID:                   c.ID,
		Members:              c.Members,
		IsGroup:              c.IsGroup,
		GroupName:            c.GroupName,
		GroupImage:           c.GroupImage,
		LastMessage:          c.LastMessage,
		LastMessageAt:        c.LastMessageAt,
		CreatedAt:            c.CreatedAt,
		DisappearingDuration: c.DisappearingDuration,
		ExpiresAt:            c.ExpiresAt,
	}
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) Model() models.Chat {
	return models.Chat{
		ID:                   c.ID,
		Members:              append([]string(nil), c.Members...),
		IsGroup:              c.IsGroup,
		GroupName:            c.GroupName,
		GroupImage:           c.GroupImage,
		LastMessage:          c.LastMessage,
		LastMessageAt:        c.LastMessageAt,
		CreatedAt:            c.CreatedAt,
		DisappearingDuration: c.DisappearingDuration,
		ExpiresAt:            c.ExpiresAt,
	}
}

type DBSeen struct {
	UID    string `msgpack:"uid"`
	SeenAt int64  `msgpack:"seenAt"`
}

type DBMessage struct {
	ID        string   `msgpack:"id"`
	ChatID    string   `msgpack:"chatId"`
	SenderID  string   `msgpack:"senderId"`
	Content   string   `msgpack:"content"`
	Timestamp int64    `msgpack:"timestamp"`
	SeenBy    []DBSeen `msgpack:"seenBy"`
	EditedAt  int64    `msgpack:"editedAt"`
	ImageURL  string   `msgpack:"imageUrl"`
	ReplyTo   string   `msgpack:"replyTo"`
}

func newDBMessage(m models.Message) *DBMessage {
	dbMessage := &DBMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		EditedAt:  m.EditedAt,
		ImageURL:  m.ImageURL,
		ReplyTo:   m.ReplyTo,
	}
	if len(m.SeenBy) > 0 {
		dbMessage.SeenBy = make([]DBSeen, len(m.SeenBy))
		for i, s := range m.SeenBy {
			dbMessage.SeenBy[i] = DBSeen{UID: s.UID, SeenAt: s.SeenAt}
		}
	}
	return dbMessage
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// Model converts a stored message. Stored messages are always confirmed.
func (m *DBMessage) Model() models.Message {
	msg := models.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		SeenBy:    make([]models.SeenEntry, len(m.SeenBy)),
		EditedAt:  m.EditedAt,
		ImageURL:  m.ImageURL,
		ReplyTo:   m.ReplyTo,
		Status:    models.MessageStatusConfirmed,
	}
	for i, s := range m.SeenBy {
		msg.SeenBy[i] = models.SeenEntry{UID: s.UID, SeenAt: s.SeenAt}
	}
	return msg
}

type DBSessionDescription struct {
	Type string `msgpack:"type"`
	SDP  string `msgpack:"sdp"`
}

type DBCall struct {
	ID        string                `msgpack:"id"`
	CallerID  string                `msgpack:"callerId"`
	CalleeID  string                `msgpack:"calleeId"`
	Media     string                `msgpack:"media"`
	Offer     DBSessionDescription  `msgpack:"offer"`
	Answer    *DBSessionDescription `msgpack:"answer"`
	Status    string                `msgpack:"status"`
	CreatedAt int64                 `msgpack:"createdAt"`
}

func newDBCall(c models.CallSession) *DBCall {
	dbCall := &DBCall{
		ID:        c.ID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		Media:     string(c.Media),
		Offer:     DBSessionDescription{Type: c.Offer.Type, SDP: c.Offer.SDP},
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
	}
	if c.Answer != nil {
		dbCall.Answer = &DBSessionDescription{Type: c.Answer.Type, SDP: c.Answer.SDP}
	}
	return dbCall
}

func (c *DBCall) Key() []byte {
	return []byte(c.ID)
}

func (c *DBCall) MarshalBinary() (data []byte, err error) {
	type alias DBCall
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCall) UnmarshalBinary(data []byte) error {
	type alias DBCall
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBCall) Model() models.CallSession {
	call := models.CallSession{
		ID:        c.ID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		Media:     models.CallMedia(c.Media),
		Offer:     models.SessionDescription{Type: c.Offer.Type, SDP: c.Offer.SDP},
		Status:    models.CallStatus(c.Status),
		CreatedAt: c.CreatedAt,
	}
	if c.Answer != nil {
		call.Answer = &models.SessionDescription{Type: c.Answer.Type, SDP: c.Answer.SDP}
	}
	return call
}

type DBStatus struct {
	ID          string `msgpack:"id"`
	UID         string `msgpack:"uid"`
	DisplayName string `msgpack:"displayName"`
	PhotoURL    string `msgpack:"photoURL"`
	Text        string `msgpack:"text"`
	MediaURL    string `msgpack:"mediaUrl"`
	Type        string `msgpack:"type"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (s *DBStatus) Key() []byte {
	return []byte(s.ID)
}

func (s *DBStatus) MarshalBinary() (data []byte, err error) {
	type alias DBStatus
	return msgpack.Marshal((*alias)(s))
}

func (s *DBStatus) UnmarshalBinary(data []byte) error {
	type alias DBStatus
	return msgpack.Unmarshal(data, (*alias)(s))
}

func (s *DBStatus) Model() models.Status {
	return models.Status{
		ID:          s.ID,
		UID:         s.UID,
		DisplayName: s.DisplayName,
		PhotoURL:    s.PhotoURL,
		Text:        s.Text,
		MediaURL:    s.MediaURL,
		Type:        s.Type,
		CreatedAt:   s.CreatedAt,
	}
}

type DBPushSubscription struct {
	UID      string `msgpack:"uid"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

// Key groups subscriptions by user so a prefix scan finds them all.
func (p *DBPushSubscription) Key() []byte {
	return []byte(p.UID + "\x00" + p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

// DecodeChat decodes a chat document delivered by a subscription.
func DecodeChat(doc Document) (models.Chat, error) {
	var dbChat DBChat
	if err := dbChat.UnmarshalBinary(doc.Data); err != nil {
		return models.Chat{}, err
	}
	return dbChat.Model(), nil
}

// DecodeMessage decodes a message document delivered by a subscription.
func DecodeMessage(doc Document) (models.Message, error) {
	var dbMessage DBMessage
	if err := dbMessage.UnmarshalBinary(doc.Data); err != nil {
		return models.Message{}, err
	}
	return dbMessage.Model(), nil
}

// DecodeCall decodes a call document delivered by a subscription.
func DecodeCall(doc Document) (models.CallSession, error) {
	var dbCall DBCall
	if err := dbCall.UnmarshalBinary(doc.Data); err != nil {
		return models.CallSession{}, err
	}
	return dbCall.Model(), nil
}

// DecodeStatus decodes a status document delivered by a subscription.
func DecodeStatus(doc Document) (models.Status, error) {
	var dbStatus DBStatus
	if err := dbStatus.UnmarshalBinary(doc.Data); err != nil {
		return models.Status{}, err
	}
	return dbStatus.Model(), nil
}
