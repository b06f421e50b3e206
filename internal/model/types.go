package model

// UserProfile is the document stored in the users collection.
// UserID is assigned at signup and never changes; everything else is mutable
// by the owning user only.
type UserProfile struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"avatarUrl"`
}

// Member is a denormalized snapshot of one chat participant, captured at
// last sync time. It is a read cache, not authoritative profile data.
type Member struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"avatarUrl"`
}

// Chat is the document stored in the chats collection. The document key is
// the pair key of the two member ids, which is what enforces at most one
// chat per user pair.
type Chat struct {
	ChatID    string   `json:"chatId"`
	MemberIDs []string `json:"memberIds"`
	Members   []Member `json:"members"`
	// LastActivityAt is stamped by the store when a message is sent.
	// Zero for a chat with no messages yet.
	LastActivityAt int64 `json:"lastActivityAt,omitempty"`
}

// Other returns the member that is not uid. Falls back to the first member
// when uid is not part of the chat.
func (c *Chat) Other(uid string) Member {
	for _, m := range c.Members {
		if m.UserID != uid {
			return m
		}
	}
	if len(c.Members) > 0 {
		return c.Members[0]
	}
	return Member{}
}

// HasMember reports whether uid is one of the chat's participants.
func (c *Chat) HasMember(uid string) bool {
	for _, id := range c.MemberIDs {
		if id == uid {
			return true
		}
	}
	return false
}

// Message is a document in a chat's messages collection. SentAt is assigned
// by the store at write time and is monotonic within a chat.
type Message struct {
	Key      string `json:"key"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
}
