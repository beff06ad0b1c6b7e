// Package graph implements provider.MailSource for Microsoft 365 mailboxes
// via the Graph REST API using application (client-credential) tokens.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider"
)

const (
	baseURL     = "https://graph.microsoft.com/v1.0"
	tokenURLFmt = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	pageSize    = 50
	httpTimeout = 2 * time.Minute
)

// Config holds the Graph application credentials for one mailbox
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string // UPN of the mailbox to operate on
}

// Source is a Graph API session implementing provider.MailSource
type Source struct {
	client  *http.Client
	mailbox string

	// folder display name -> folder id, resolved lazily once per session
	folderIDs map[string]string
}

// New creates a Graph source. The token is acquired lazily on first request
// and refreshed automatically by the client-credentials token source.
func New(ctx context.Context, cfg Config) *Source {
	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLFmt, cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	client := conf.Client(ctx)
	client.Timeout = httpTimeout
	return &Source{
		client:  client,
		mailbox: cfg.Mailbox,
	}
}

// get performs a GET request and decodes the JSON response into v
func (s *Source) get(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return provider.ErrMessageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph request failed with status %d: %s", resp.StatusCode, body)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type folderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// loadFolders resolves all mail folders of the mailbox
func (s *Source) loadFolders(ctx context.Context) error {
	if s.folderIDs != nil {
		return nil
	}

	folders := make(map[string]string)
	next := fmt.Sprintf("%s/users/%s/mailFolders?$top=100", baseURL, url.PathEscape(s.mailbox))
	for next != "" {
		var page folderPage
		if err := s.get(ctx, next, &page); err != nil {
			return err
		}
		for _, f := range page.Value {
			folders[f.DisplayName] = f.ID
		}
		next = page.NextLink
	}

	s.folderIDs = folders
	return nil
}

// folderID maps a display name to the Graph folder id
func (s *Source) folderID(ctx context.Context, folder string) (string, error) {
	if err := s.loadFolders(ctx); err != nil {
		return "", err
	}
	id, ok := s.folderIDs[folder]
	if !ok {
		return "", fmt.Errorf("folder %q not found in mailbox %s", folder, s.mailbox)
	}
	return id, nil
}

// ListFolders returns the display names of all mail folders
func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	if err := s.loadFolders(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.folderIDs))
	for name := range s.folderIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type graphMessage struct {
	ID                string    `json:"id"`
	Subject           string    `json:"subject"`
	InternetMessageID string    `json:"internetMessageId"`
	ReceivedDateTime  time.Time `json:"receivedDateTime"`
	SentDateTime      time.Time `json:"sentDateTime"`
}

type messagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// FetchMessages streams message metadata newer than since, page by page
func (s *Source) FetchMessages(ctx context.Context, folder string, since time.Time) (<-chan provider.MessageInfo, error) {
	folderID, err := s.folderID(ctx, folder)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("$top", fmt.Sprint(pageSize))
	query.Set("$select", "id,subject,internetMessageId,receivedDateTime,sentDateTime")
	query.Set("$orderby", "receivedDateTime asc")
	if !since.IsZero() {
		query.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}

	out := make(chan provider.MessageInfo, pageSize)
	first := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?%s",
		baseURL, url.PathEscape(s.mailbox), folderID, query.Encode())

	go func() {
		defer close(out)
		next := first
		for next != "" {
			if ctx.Err() != nil {
				return
			}
			var page messagePage
			if err := s.get(ctx, next, &page); err != nil {
				select {
				case out <- provider.MessageInfo{Folder: folder, Err: err}:
				case <-ctx.Done():
				}
				return
			}
			for _, m := range page.Value {
				key := m.InternetMessageID
				if key == "" {
					key = "graph:" + m.ID
				}
				sentAt := m.SentDateTime
				if sentAt.IsZero() {
					sentAt = m.ReceivedDateTime
				}
				info := provider.MessageInfo{
					Key:     key,
					Ref:     m.ID,
					Folder:  folder,
					Subject: m.Subject,
					SentAt:  sentAt,
				}
				select {
				case out <- info:
				case <-ctx.Done():
					return
				}
			}
			next = page.NextLink
		}
	}()

	return out, nil
}

// FetchContent retrieves the full MIME content of one message
func (s *Source) FetchContent(ctx context.Context, folder, ref string) ([]byte, error) {
	rawURL := fmt.Sprintf("%s/users/%s/messages/%s/$value", baseURL, url.PathEscape(s.mailbox), ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, provider.ErrMessageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("graph content fetch failed with status %d: %s", resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

// DeleteMessage permanently deletes a message from the mailbox
func (s *Source) DeleteMessage(ctx context.Context, folder, ref string) error {
	rawURL := fmt.Sprintf("%s/users/%s/messages/%s", baseURL, url.PathEscape(s.mailbox), ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return provider.ErrMessageNotFound
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph delete failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// PushMessage uploads a full MIME message into the target folder. Graph
// accepts base64 MIME posted as text/plain, which preserves the original
// headers and attachments.
func (s *Source) PushMessage(ctx context.Context, folder string, raw []byte, sentAt time.Time) error {
	folderID, err := s.folderID(ctx, folder)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	rawURL := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages",
		baseURL, url.PathEscape(s.mailbox), folderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewBufferString(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Close releases the session. Graph is stateless over HTTP so there is
// nothing to tear down.
func (s *Source) Close() error {
	return nil
}
