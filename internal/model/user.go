package model

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserPublic is the representation safe to expose to other users.
type UserPublic struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
}
