package domain

import "time"

// Identity is the authenticated principal behind a connection: the user id
// plus the display attributes the chat UI needs next to a message.
type Identity struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// User is a row in the users table. PasswordHash is only consulted by the
// login endpoint; the realtime layer never sees it.
type User struct {
	ID           string
	Nickname     string
	AvatarURL    string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Room is a chat conversation with a fixed participant set. The participant
// list is authoritative in storage and is not cached here.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Message is the canonical stored form of a chat message. Seq is the order in
// which the store accepted messages for the room; broadcast follows it.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    Identity  `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
	ReadBy    []string  `json:"readBy,omitempty"`
}
