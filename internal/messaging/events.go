package messaging

import "time"

// Topics published between services.
const (
	TopicPostCreated = "post.created"
	TopicPostDeleted = "post.deleted"
)

// PostCreatedEvent is published by the post service after a post is stored.
type PostCreatedEvent struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostDeletedEvent is published by the post service after a post is removed.
// Consumers delete everything they hold for PostID.
type PostDeletedEvent struct {
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	MediaIDs []string `json:"mediaIds,omitempty"`
}
