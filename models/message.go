package models

import "time"

const (
	// MessageTypeText carries ciphertext inline.
	MessageTypeText = "text"
	// MessageTypeMedia announces an encrypted object in the media store.
	MessageTypeMedia = "media"
)

// KeyEnvelope is one recipient's wrapped copy of a message key.
type KeyEnvelope struct {
	UserID string `json:"userId"`
	EncKey string `json:"encKey"`
}

// Message is a persisted ciphertext record as returned by history.
type Message struct {
	ID          string        `json:"id"`
	RoomID      string        `json:"roomId"`
	SenderID    string        `json:"senderId"`
	Alias       string        `json:"alias"`
	Type        string        `json:"type"`
	Ciphertext  string        `json:"ciphertext,omitempty"`
	IV          string        `json:"iv,omitempty"`
	KeyEnvelope []KeyEnvelope `json:"keyEnvelope"`
	FileURL     string        `json:"fileUrl,omitempty"`
	FileKey     string        `json:"fileKey,omitempty"`
	FileMime    string        `json:"fileMime,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// EnvelopeFor returns the wrapped key addressed to userID.
func (m Message) EnvelopeFor(userID string) (string, bool) {
	for _, env := range m.KeyEnvelope {
		if env.UserID == userID {
			return env.EncKey, true
		}
	}
	return "", false
}

// Delivery is the per-recipient message:new payload. EncKey holds only the
// receiving member's envelope, or null when the sender omitted one.
type Delivery struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Alias      string    `json:"alias"`
	SenderID   string    `json:"senderId"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
	IV         string    `json:"iv,omitempty"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	EncKey     *string   `json:"encKey"`
	FileURL    string    `json:"fileUrl,omitempty"`
	FileKey    string    `json:"fileKey,omitempty"`
	FileMime   string    `json:"fileMime,omitempty"`
}

// AsMessage converts a live delivery into the history shape so both paths
// share one decrypt routine.
func (d Delivery) AsMessage(recipientID string) Message {
	msg := Message{
		ID:         d.ID,
		RoomID:     d.RoomID,
		SenderID:   d.SenderID,
		Alias:      d.Alias,
		Type:       d.Type,
		Ciphertext: d.Ciphertext,
		IV:         d.IV,
		FileURL:    d.FileURL,
		FileKey:    d.FileKey,
		FileMime:   d.FileMime,
		CreatedAt:  d.CreatedAt,
	}
	if d.EncKey != nil {
		msg.KeyEnvelope = []KeyEnvelope{{UserID: recipientID, EncKey: *d.EncKey}}
	}
	return msg
}

// JoinRoomRequest is the rooms:join socket payload.
type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

// SendMessageRequest is the message:send socket payload.
type SendMessageRequest struct {
	RoomID      string        `json:"roomId"`
	Type        string        `json:"type,omitempty"`
	Ciphertext  string        `json:"ciphertext,omitempty"`
	IV          string        `json:"iv,omitempty"`
	KeyEnvelope []KeyEnvelope `json:"keyEnvelope"`
	FileURL     string        `json:"fileUrl,omitempty"`
	FileKey     string        `json:"fileKey,omitempty"`
	FileMime    string        `json:"fileMime,omitempty"`
}

// Ack answers a socket request.
type Ack struct {
	OK        bool       `json:"ok"`
	ID        string     `json:"id,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// SendResult is the outcome of a successful message:send.
type SendResult struct {
	ID        string
	CreatedAt time.Time
}

// HistoryResponse is one page of room history, oldest first.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}
