package models

import "time"

type Folder struct {
	Name        string `json:"name"`
	UIDValidity uint32 `json:"uid_validity"`
	Messages    uint32 `json:"messages"`
}

// Thread is a conversation. MergedInto is set once the thread was folded into another one.
type Thread struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	NormalizedSubject string    `json:"normalized_subject"`
	Participants      []string  `json:"participants"`
	MessageCount      int       `json:"message_count"`
	UnreadCount       int       `json:"unread_count"`
	LastMessageAt     time.Time `json:"last_message_at"`
	MergedInto        *string   `json:"merged_into,omitempty"`
	Emails            []Email   `json:"emails,omitempty"`
}

// Email is the canonical row for one logical message in an account.
// Folder and IMAPUID refer to the first sighting; Labels lists every folder it was seen in.
type Email struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	Folder         string       `json:"folder"`
	UIDValidity    uint32       `json:"-"`
	IMAPUID        uint32       `json:"imap_uid"`
	MessageID      string       `json:"message_id"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	References     []string     `json:"references,omitempty"`
	ThreadID       string       `json:"thread_id"`
	Subject        string       `json:"subject"`
	FromAddress    string       `json:"from_address"`
	ToAddresses    []string     `json:"to_addresses"`
	CCAddresses    []string     `json:"cc_addresses"`
	BodyPlain      string       `json:"body_plain,omitempty"`
	BodyHTML       string       `json:"body_html,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
	IsRead         bool         `json:"is_read"`
	IsStarred      bool         `json:"is_starred"`
	HasAttachments bool         `json:"has_attachments"`
	DedupHash      string       `json:"-"`
	Labels         []string     `json:"labels,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// AttachmentStatus tracks whether the bytes are in the blob store.
type AttachmentStatus string

const (
	AttachmentStored   AttachmentStatus = "stored"
	AttachmentDeferred AttachmentStatus = "deferred"
	AttachmentFailed   AttachmentStatus = "failed"
)

type Attachment struct {
	ID           string           `json:"id"`
	EmailID      string           `json:"email_id"`
	AccountID    string           `json:"-"`
	Filename     string           `json:"filename"`
	ContentType  string           `json:"content_type"`
	SizeBytes    int64            `json:"size_bytes"`
	ContentID    string           `json:"content_id,omitempty"`
	IsInline     bool             `json:"is_inline"`
	StorageRef   string           `json:"-"`
	ContentHash  string           `json:"content_hash,omitempty"`
	PartLocator  string           `json:"-"`
	PartEncoding string           `json:"-"`
	Status       AttachmentStatus `json:"status"`
}

// EmailFilter narrows an email listing. Nil pointers mean "any".
type EmailFilter struct {
	Folder  string
	Unread  *bool
	Starred *bool
	Query   string
}

// FlagUpdate is a partial flag mutation. Nil fields are left untouched.
type FlagUpdate struct {
	IsRead    *bool   `json:"is_read"`
	IsStarred *bool   `json:"is_starred"`
	Folder    *string `json:"folder"`
}

// EmailPage is a paginated listing.
type EmailPage struct {
	Emails     []Email    `json:"emails"`
	Pagination Pagination `json:"pagination"`
}

// ThreadPage is a paginated thread listing. Threads carry no messages.
type ThreadPage struct {
	Threads    []Thread   `json:"threads"`
	Pagination Pagination `json:"pagination"`
}

type Pagination struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}
