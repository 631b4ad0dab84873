package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// QueueSummary is the management-API view of one broker queue.
type QueueSummary struct {
	Name       string `json:"name"`
	VHost      string `json:"vhost"`
	Messages   int    `json:"messages"`
	Consumers  int    `json:"consumers"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	State      string `json:"state"`
}

// BrokerOverview is the management-API broker summary.
type BrokerOverview struct {
	ManagementVersion string `json:"management_version"`
	RabbitMQVersion   string `json:"rabbitmq_version"`
	QueueTotals       struct {
		Messages        int `json:"messages"`
		MessagesReady   int `json:"messages_ready"`
		MessagesUnacked int `json:"messages_unacknowledged"`
	} `json:"queue_totals"`
	ObjectTotals struct {
		Queues      int `json:"queues"`
		Exchanges   int `json:"exchanges"`
		Connections int `json:"connections"`
		Channels    int `json:"channels"`
		Consumers   int `json:"consumers"`
	} `json:"object_totals"`
}

// Management is a client for the broker's management HTTP API, used for queue
// listing rather than declaration.
type Management struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// ManagementOption configures the management client.
type ManagementOption func(*Management)

// WithManagementURL overrides the management API base URL derived from the
// AMQP URL.
func WithManagementURL(baseURL string) ManagementOption {
	return func(m *Management) {
		m.baseURL = baseURL
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ManagementOption {
	return func(m *Management) {
		m.httpClient = client
	}
}

// NewManagement builds a management client from an AMQP URL, deriving
// credentials and the default management port (15672).
func NewManagement(amqpURL string, options ...ManagementOption) (*Management, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("mailqueue: invalid AMQP URL: %w", err)
	}

	username := "guest"
	password := "guest"
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	m := &Management{
		baseURL:    fmt.Sprintf("http://%s:15672/api", u.Hostname()),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	for _, opt := range options {
		opt(m)
	}

	return m, nil
}

// ListQueues returns every queue known to the broker.
func (m *Management) ListQueues(ctx context.Context) ([]QueueSummary, error) {
	var queues []QueueSummary
	if err := m.get(ctx, "/queues", &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// ListCreatedMailQueueNames returns the logical names of every queue in the
// mail queue namespace.
func (m *Management) ListCreatedMailQueueNames(ctx context.Context) ([]MailQueueName, error) {
	queues, err := m.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	var names []MailQueueName
	for _, q := range queues {
		if name, ok := FromWorkQueueName(q.Name); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Overview returns the broker summary.
func (m *Management) Overview(ctx context.Context) (*BrokerOverview, error) {
	var overview BrokerOverview
	if err := m.get(ctx, "/overview", &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

func (m *Management) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mailqueue: build management request: %w", err)
	}
	req.SetBasicAuth(m.username, m.password)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mailqueue: management request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mailqueue: management request %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mailqueue: decode management response %s: %w", path, err)
	}
	return nil
}
