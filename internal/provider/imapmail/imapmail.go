// Package imapmail implements provider.MailSource for classic IMAP mailboxes.
package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	id "github.com/emersion/go-imap-id"
	_ "github.com/emersion/go-message/charset"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/provider"
)

const (
	dialTimeout    = 10 * time.Second
	commandTimeout = 5 * time.Minute
	fetchBatchSize = 50
)

// Config holds the connection settings for one IMAP mailbox
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
}

// Source is an authenticated IMAP session implementing provider.MailSource
type Source struct {
	c        *client.Client
	selected string
}

// Dial connects and authenticates against the IMAP server
func Dial(cfg Config) (*Source, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *client.Client
	if cfg.UseSSL {
		tlsConfig := &tls.Config{ServerName: cfg.Host}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
		}
	} else {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
		}
		c, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", provider.ErrConnectionFailed, err)
		}
	}

	// Full-folder enumerations can take a while on large mailboxes
	c.Timeout = commandTimeout

	// Some providers require client identification before login
	if ok, _ := c.Support("ID"); ok {
		idClient := id.NewClient(c)
		_, _ = idClient.ID(id.ID{
			id.FieldName:    "mail-archiver",
			id.FieldVersion: "1.0.0",
		})
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: login failed: %v", provider.ErrConnectionFailed, err)
	}

	return &Source{c: c}, nil
}

// ListFolders returns the names of all folders in the mailbox
func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		// \Noselect mailboxes are hierarchy placeholders, not real folders
		noselect := false
		for _, attr := range m.Attributes {
			if attr == imap.NoSelectAttr {
				noselect = true
				break
			}
		}
		if !noselect {
			folders = append(folders, m.Name)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return folders, nil
}

// selectFolder selects a folder if it is not already the active one
func (s *Source) selectFolder(folder string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := s.c.Select(folder, readOnly)
	if err != nil {
		return nil, err
	}
	s.selected = folder
	return status, nil
}

// FetchMessages streams envelope metadata for messages newer than since.
// Envelopes are fetched in batches over the single session so a large folder
// is never buffered whole.
func (s *Source) FetchMessages(ctx context.Context, folder string, since time.Time) (<-chan provider.MessageInfo, error) {
	status, err := s.selectFolder(folder, true)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.MessageInfo, fetchBatchSize)
	if status.Messages == 0 {
		close(out)
		return out, nil
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	}

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		for i := 0; i < len(uids); i += fetchBatchSize {
			if ctx.Err() != nil {
				return
			}
			end := i + fetchBatchSize
			if end > len(uids) {
				end = len(uids)
			}

			uidSet := new(imap.SeqSet)
			uidSet.AddNum(uids[i:end]...)

			items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}
			messages := make(chan *imap.Message, fetchBatchSize)
			done := make(chan error, 1)
			go func() {
				done <- s.c.UidFetch(uidSet, items, messages)
			}()

			for msg := range messages {
				if msg == nil || msg.Envelope == nil {
					continue
				}
				key := msg.Envelope.MessageId
				if key == "" {
					key = fmt.Sprintf("uid:%d", msg.Uid)
				}
				info := provider.MessageInfo{
					Key:     key,
					Ref:     strconv.FormatUint(uint64(msg.Uid), 10),
					Folder:  folder,
					Subject: msg.Envelope.Subject,
					SentAt:  msg.Envelope.Date,
				}
				select {
				case out <- info:
				case <-ctx.Done():
					return
				}
			}
			if err := <-done; err != nil {
				select {
				case out <- provider.MessageInfo{Folder: folder, Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}

// FetchContent retrieves the full RFC 822 content of one message by UID
func (s *Source) FetchContent(ctx context.Context, folder, ref string) ([]byte, error) {
	if s.selected != folder {
		if _, err := s.selectFolder(folder, true); err != nil {
			return nil, err
		}
	}

	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid message ref %q: %v", ref, err)
	}

	uidSet := new(imap.SeqSet)
	uidSet.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(uidSet, items, messages)
	}()

	var content []byte
	for msg := range messages {
		if msg == nil {
			continue
		}
		for _, literal := range msg.Body {
			data, err := io.ReadAll(literal)
			if err == nil && len(data) > 0 {
				content = data
			}
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, provider.ErrMessageNotFound
	}
	return content, nil
}

// DeleteMessage flags the message deleted and expunges it from the folder
func (s *Source) DeleteMessage(ctx context.Context, folder, ref string) error {
	// Deletion needs a read-write selection
	if _, err := s.selectFolder(folder, false); err != nil {
		return err
	}

	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid message ref %q: %v", ref, err)
	}

	uidSet := new(imap.SeqSet)
	uidSet.AddNum(uint32(uid))

	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(uidSet, storeItem, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return err
	}
	return s.c.Expunge(nil)
}

// PushMessage appends a full message into the target folder
func (s *Source) PushMessage(ctx context.Context, folder string, raw []byte, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return s.c.Append(folder, nil, sentAt, bytes.NewBuffer(raw))
}

// Close logs out of the IMAP session
func (s *Source) Close() error {
	return s.c.Logout()
}
