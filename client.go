package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
	}
}

type Client struct {
	host   string
	apiKey string
}

type Receipt struct {
	Id string `json:"id"`
}

type Stats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type sendRequest struct {
	Email         Email      `json:"email"`
	ApplicationID int64      `json:"application_id,omitempty"`
	TemplateID    int64      `json:"template_id,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
}

// Send enqueues an email for immediate delivery.
func (c *Client) Send(ctx context.Context, email *Email) (Receipt, error) {
	return c.post(ctx, "/queue", sendRequest{Email: *email}, http.StatusCreated)
}

// SendAt enqueues an email to be delivered at the given time.
func (c *Client) SendAt(ctx context.Context, email *Email, at time.Time) (Receipt, error) {
	return c.post(ctx, "/queue", sendRequest{Email: *email, ScheduledAt: &at}, http.StatusCreated)
}

// Cancel cancels a pending delivery. A delivery that has already been picked
// up, sent or failed cannot be cancelled.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.post(ctx, "/queue/"+id+"/cancel", nil, http.StatusOK)
	return err
}

// Resend copies a settled delivery into a new one, returning the new id.
func (c *Client) Resend(ctx context.Context, id string) (Receipt, error) {
	return c.post(ctx, "/queue/"+id+"/resend", nil, http.StatusCreated)
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.host+"/queue/stats?key="+c.apiKey, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Stats{}, fmt.Errorf("got status %d, %s", resp.StatusCode, string(body))
	}
	var s Stats
	err = json.NewDecoder(resp.Body).Decode(&s)
	return s, err
}

func (c *Client) post(ctx context.Context, path string, body interface{}, expect int) (Receipt, error) {
	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		if err != nil {
			return Receipt{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.host+path+"?key="+c.apiKey, &buf)
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Add("content-type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, err
	}
	if resp.StatusCode != expect {
		return Receipt{}, fmt.Errorf("got status %d, %s", resp.StatusCode, string(respBytes))
	}

	var r Receipt
	if len(respBytes) > 0 {
		err = json.Unmarshal(respBytes, &r)
	}
	return r, err
}
