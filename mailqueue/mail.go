package mailqueue

import "context"

// MailPartsId is a content-addressed reference to a mail body held by an
// external blob store. Only this reference crosses the coordination layer;
// the content model stays outside.
type MailPartsId string

// Mail is the envelope-level view of a queued message. The body lives in the
// blob store and is reached through its parts id.
type Mail struct {
	Name       string
	Sender     string
	Recipients []string
}

// MailStore is the external content-addressed blob store collaborator.
type MailStore interface {
	// Save persists the mail body and returns its content-addressed
	// reference.
	Save(ctx context.Context, mail *Mail) (MailPartsId, error)

	// Load resolves a previously saved mail from its reference.
	Load(ctx context.Context, id MailPartsId) (*Mail, error)
}

// mailReference is the wire DTO carried on mail queues: everything a
// consumer node needs to reconstruct the mail from shared storage.
type mailReference struct {
	QueueName string `json:"queueName"`
	EnqueueId string `json:"enqueueId"`
	PartsId   string `json:"partsId"`
}
