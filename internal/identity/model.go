package identity

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user exists")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrInvalidChannel = errors.New("channel must be phone or email")
)

// Channel is where a verification code is delivered.
type Channel string

const (
	ChannelPhone Channel = "phone"
	ChannelEmail Channel = "email"
)

func (c Channel) valid() bool { return c == ChannelPhone || c == ChannelEmail }

// User represents a chat account.
type User struct {
	ID           string
	Phone        string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
	LastLogin    time.Time
}

// Address returns the user's address on channel.
func (u User) Address(c Channel) string {
	if c == ChannelEmail {
		return u.Email
	}
	return u.Phone
}
