package storage

import "errors"

const (
	NoticeTypeFriendRequest   = "FRIEND_REQUEST"
	NoticeTypeRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	NoticeTypeError           = "ERROR"
)

// MaxMessageLen bounds message text, matching the column width.
const MaxMessageLen = 500

var (
	ErrNotFound         = errors.New("not found")
	ErrUsernameExists   = errors.New("username exists")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrAccessDenied     = errors.New("access denied")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrRequestExists    = errors.New("friend request exists")
	ErrCannotFriendSelf = errors.New("cannot friend self")
	ErrMessageTooLong   = errors.New("message too long")
)

type UserRow struct {
	ID                string
	Username          string
	PasswordHash      string
	Nickname          string
	FirstName         string
	LastName          string
	Email             string
	Avatar            *string
	VisibleInSearches bool
	LastLoginMs       *int64
	CreatedAtMs       int64
	UpdatedAtMs       int64
}

type AuthTokenRow struct {
	Token       string
	UserID      string
	CreatedAtMs int64
	ExpiresAtMs int64
}

type ChatRow struct {
	ID              string
	Name            string
	CreatorID       string
	LastMessage     *string
	LastMessageAtMs *int64
	CreatedAtMs     int64
}

type MessageRow struct {
	ID          string
	ChatID      string
	SenderID    string
	Text        *string
	Image       *string
	ReadAtMs    *int64
	CreatedAtMs int64
}

type NoticeRow struct {
	ID             string
	RecipientID    string
	Type           string
	Sender         string
	SenderNickname string
	Avatar         *string
	Message        string
	Dismissed      bool
	CreatedAtMs    int64
}

type CircleRow struct {
	ID             string
	AuthorID       string
	AuthorUsername string
	AuthorNickname string
	AuthorAvatar   *string
	Content        string
	Image          *string
	CreatedAtMs    int64
}
