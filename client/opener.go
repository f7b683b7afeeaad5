package client

import (
	"crypto/rsa"
	"encoding/base64"
	"time"

	"baatcheet/crypto"
	"baatcheet/models"
)

const (
	// SystemAlias labels entries produced locally instead of by a member.
	SystemAlias = "System"

	PlaceholderNoKey       = "no key for this message"
	PlaceholderUndecrypted = "failed to decrypt message"
)

// MediaRef locates an encrypted attachment and carries what is needed to
// decrypt it once downloaded.
type MediaRef struct {
	FileKey string
	FileURL string
	Mime    string

	sessionKey []byte
	iv         []byte
}

// Entry is one readable timeline item.
type Entry struct {
	ID        string
	RoomID    string
	SenderID  string
	Alias     string
	Type      string
	CreatedAt time.Time
	Mine      bool

	Text string
	// System marks a locally rendered placeholder.
	System bool

	Media     *MediaRef
	MediaPath string
	MediaErr  string
}

// Opener turns relay messages into entries. Live deliveries and history
// pages both go through Open.
type Opener struct {
	selfID  string
	private *rsa.PrivateKey
}

// NewOpener returns an opener for the device identity selfID.
func NewOpener(selfID string, private *rsa.PrivateKey) *Opener {
	return &Opener{selfID: selfID, private: private}
}

// Open decrypts msg. Missing envelopes and crypto failures produce an inert
// placeholder entry rather than an error.
func (o *Opener) Open(msg models.Message) Entry {
	entry := Entry{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Alias:     msg.Alias,
		Type:      msg.Type,
		CreatedAt: msg.CreatedAt,
		Mine:      msg.SenderID == o.selfID,
	}

	encKey, ok := msg.EnvelopeFor(o.selfID)
	if !ok || o.private == nil {
		if msg.Type == models.MessageTypeMedia {
			return placeholder(entry, MediaErrNoKey)
		}
		return placeholder(entry, PlaceholderNoKey)
	}
	sessionKey, err := crypto.UnwrapKeyBase64(encKey, o.private)
	if err != nil {
		return placeholder(entry, PlaceholderUndecrypted)
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return placeholder(entry, PlaceholderUndecrypted)
	}

	if msg.Type == models.MessageTypeMedia {
		entry.Media = &MediaRef{
			FileKey:    msg.FileKey,
			FileURL:    msg.FileURL,
			Mime:       msg.FileMime,
			sessionKey: sessionKey,
			iv:         iv,
		}
		return entry
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return placeholder(entry, PlaceholderUndecrypted)
	}
	plaintext, err := crypto.Decrypt(sessionKey, iv, ciphertext)
	if err != nil {
		return placeholder(entry, PlaceholderUndecrypted)
	}
	entry.Text = string(plaintext)
	return entry
}

func placeholder(entry Entry, text string) Entry {
	entry.Alias = SystemAlias
	entry.System = true
	entry.Text = text
	entry.Media = nil
	return entry
}
