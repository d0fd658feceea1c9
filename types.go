package rocketchat

// ============================================================================
// Rooms
// ============================================================================

// RoomType is the server's one-letter room kind.
type RoomType string

const (
	RoomChannel RoomType = "c"
	RoomPrivate RoomType = "p"
	RoomDirect  RoomType = "d"
)

// Room is the local user's subscription record for one room, as returned by
// the bulk room-list fetch and the subscriptions-changed user topic.
type Room struct {
	ID          string    `json:"rid"`
	Type        RoomType  `json:"t"`
	Name        string    `json:"name,omitempty"`
	DisplayName string    `json:"fname,omitempty"`
	Alert       bool      `json:"alert,omitempty"`
	Unread      int       `json:"unread,omitempty"`
	LastSeen    Timestamp `json:"ls"`
	UpdatedAt   Timestamp `json:"_updatedAt"`
}

// Title returns the best available display name.
func (r Room) Title() string {
	if r.Name != "" {
		return r.Name
	}
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return "Unnamed"
}

// ============================================================================
// Messages
// ============================================================================

// UserRef is the sender block embedded in a message.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// FileRef points at an uploaded file attached to a message.
type FileRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Attachment is a rendered attachment block.
type Attachment struct {
	Title     string `json:"title,omitempty"`
	TitleLink string `json:"title_link,omitempty"`
	Type      string `json:"type,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// Message is a chat message. ID is server-assigned once confirmed; optimistic
// placeholders carry a client-generated ID and Optimistic set.
type Message struct {
	ID          string       `json:"_id"`
	RoomID      string       `json:"rid"`
	Text        string       `json:"msg"`
	TS          Timestamp    `json:"ts"`
	User        UserRef      `json:"u"`
	UpdatedAt   Timestamp    `json:"_updatedAt"`
	File        *FileRef     `json:"file,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Optimistic  bool         `json:"optimistic,omitempty"`
}

// SentBy reports whether the message was sent by the given user. Either the
// id or the username may be blank on one side.
func (m Message) SentBy(u User) bool {
	if m.User.ID != "" && u.ID != "" {
		return m.User.ID == u.ID
	}
	return m.User.Username != "" && m.User.Username == u.Username
}

// DeletedRef identifies a message removed since the last delta sync.
type DeletedRef struct {
	ID        string    `json:"_id"`
	DeletedAt Timestamp `json:"_deletedAt"`
}

// SyncResult is the incremental delta since a given instant.
type SyncResult struct {
	Messages []Message    `json:"messages"`
	Updated  []Message    `json:"updated"`
	Deleted  []DeletedRef `json:"deleted"`
}

// ============================================================================
// Users
// ============================================================================

// User is a directory entry (users.info, users.list, room members).
type User struct {
	ID       string   `json:"_id"`
	Username string   `json:"username"`
	Name     string   `json:"name,omitempty"`
	Status   string   `json:"status,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials are the only secrets the engine needs: a resume token and the
// user id it belongs to.
type Credentials struct {
	Token  string `json:"authToken"`
	UserID string `json:"userId"`
}

// LoginData is the payload of a successful password login.
type LoginData struct {
	Credentials
	Me User `json:"me"`
}

// UploadResult is the response of a room file upload.
type UploadResult struct {
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
}
