package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/model"
)

const defaultPageSize = 500

// IMAPTransport implements Transport over a persistent IMAP connection
// using go-imap v2. The connection is established lazily and re-dialed
// after a transient failure. Methods are safe for concurrent use; IMAP
// allows one command pipeline per connection, so calls serialize on a
// mutex.
type IMAPTransport struct {
	host     string
	port     int
	username string
	password string
	tls      bool
	logger   *zap.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

// NewIMAPTransport creates a transport for one account. No connection is
// made until the first call.
func NewIMAPTransport(host string, port int, username, password string, tls bool, logger *zap.Logger) *IMAPTransport {
	return &IMAPTransport{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		logger:   logger,
	}
}

// Connect dials and authenticates eagerly.
func (t *IMAPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureConnected(ctx)
}

// Close logs out and drops the connection.
func (t *IMAPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Logout().Wait()
	t.client = nil
	t.selected = ""
	return err
}

func (t *IMAPTransport) ensureConnected(_ context.Context) error {
	if t.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", t.host, t.port)

	var (
		client *imapclient.Client
		err    error
	)
	if t.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return &TransientError{Op: "dial " + addr, Err: err}
	}

	if err := client.Login(t.username, t.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return &AuthError{
			Account: t.username,
			Message: fmt.Sprintf("authentication failed: %v", err),
		}
	}

	t.client = client
	t.selected = ""
	return nil
}

// drop discards the connection after an error that poisoned it.
func (t *IMAPTransport) drop() {
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
	t.selected = ""
}

// classify maps a command error to the typed transport errors. A tagged
// NO/BAD response reached us over a healthy connection and means the
// server rejected the operation; anything else is a broken connection.
func (t *IMAPTransport) classify(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &ObsoleteError{Op: op, Err: err}
	}
	t.drop()
	return &TransientError{Op: op, Err: err}
}

func (t *IMAPTransport) selectFolder(ctx context.Context, folder string) (*imap.SelectData, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	data, err := t.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, t.classify("select "+folder, err)
	}
	t.selected = folder
	return data, nil
}

// ListFolders returns the remote folder list with attributes, which the
// coordinator uses to locate the Sent folder.
func (t *IMAPTransport) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	boxes, err := t.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, t.classify("list folders", err)
	}

	out := make([]FolderInfo, 0, len(boxes))
	for _, box := range boxes {
		info := FolderInfo{Name: box.Mailbox}
		for _, attr := range box.Attrs {
			info.Attrs = append(info.Attrs, string(attr))
		}
		out = append(out, info)
	}
	return out, nil
}

// FetchChanges selects the folder and returns new envelopes above the
// cursor, current flags for known UIDs, and the known UIDs the server no
// longer has.
func (t *IMAPTransport) FetchChanges(ctx context.Context, q ChangeQuery) (*ChangeSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	selData, err := t.selectFolder(ctx, q.Folder)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{UIDValidity: selData.UIDValidity}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	newUIDs, err := t.searchNew(q)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(newUIDs); start += pageSize {
		end := start + pageSize
		if end > len(newUIDs) {
			end = len(newUIDs)
		}
		msgs, err := t.fetchEnvelopes(q.Folder, newUIDs[start:end])
		if err != nil {
			return nil, err
		}
		cs.Messages = append(cs.Messages, msgs...)
	}

	if len(q.KnownUIDs) > 0 {
		updates, present, err := t.fetchFlags(q.KnownUIDs, pageSize)
		if err != nil {
			return nil, err
		}
		cs.FlagUpdates = updates
		for _, uid := range q.KnownUIDs {
			if !present[uid] {
				cs.Expunged = append(cs.Expunged, uid)
			}
		}
	}

	return cs, nil
}

// searchNew finds UIDs above the cursor, or within the backfill window
// on an initial sync.
func (t *IMAPTransport) searchNew(q ChangeQuery) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{}
	if q.SinceUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(q.SinceUID + 1), Stop: 0}},
		}
	} else if !q.Since.IsZero() {
		criteria.Since = q.Since
	}

	searchData, err := t.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, t.classify("search "+q.Folder, err)
	}

	uids := searchData.AllUIDs()

	// Some servers interpret "N:*" as matching the highest UID even
	// when it is below N. Filter defensively.
	if q.SinceUID > 0 {
		filtered := uids[:0]
		for _, uid := range uids {
			if uint32(uid) > q.SinceUID {
				filtered = append(filtered, uid)
			}
		}
		uids = filtered
	}
	return uids, nil
}

func (t *IMAPTransport) fetchEnvelopes(folder string, uids []imap.UID) ([]model.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := t.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})

	var out []model.Message
	for pos := 0; ; pos++ {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			t.logger.Warn("skipping malformed envelope",
				zap.String("folder", folder),
				zap.Int("position", pos),
				zap.Error(err))
			continue
		}
		out = append(out, messageFromBuffer(folder, buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, t.classify("fetch envelopes "+folder, err)
	}
	return out, nil
}

func (t *IMAPTransport) fetchFlags(known []uint32, pageSize int) ([]FlagUpdate, map[uint32]bool, error) {
	present := make(map[uint32]bool, len(known))
	var updates []FlagUpdate

	for start := 0; start < len(known); start += pageSize {
		end := start + pageSize
		if end > len(known) {
			end = len(known)
		}

		uids := make([]imap.UID, 0, end-start)
		for _, uid := range known[start:end] {
			uids = append(uids, imap.UID(uid))
		}

		fetchCmd := t.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			Flags: true,
			UID:   true,
		})

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				t.logger.Warn("skipping unreadable flag response", zap.Error(err))
				continue
			}
			uid := uint32(buf.UID)
			present[uid] = true
			updates = append(updates, FlagUpdate{
				UID:   uid,
				Flags: flagStrings(buf.Flags),
			})
		}

		if err := fetchCmd.Close(); err != nil {
			return nil, nil, t.classify("fetch flags", err)
		}
	}

	return updates, present, nil
}

// FetchBody fetches and parses the full MIME body of one message.
func (t *IMAPTransport) FetchBody(ctx context.Context, folder string, uid uint32) (*Body, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := t.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, &ObsoleteError{
			Op:  fmt.Sprintf("fetch body %s/%d", folder, uid),
			Err: errors.New("message not found"),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		_ = fetchCmd.Close()
		return nil, t.classify(fmt.Sprintf("fetch body %s/%d", folder, uid), err)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, t.classify(fmt.Sprintf("fetch body %s/%d", folder, uid), err)
	}

	body := &Body{}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		body.Text, body.HTML, body.HasAttachment = parseMIMEBody(raw)
	}
	return body, nil
}

func (t *IMAPTransport) storeFlags(ctx context.Context, folder string, uids []uint32, flags []string, op imap.StoreFlagsOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.selectFolder(ctx, folder); err != nil {
		return err
	}
	return t.storeFlagsLocked(folder, uids, flags, op)
}

// storeFlagsLocked issues the STORE. Caller holds t.mu with the folder
// selected.
func (t *IMAPTransport) storeFlagsLocked(folder string, uids []uint32, flags []string, op imap.StoreFlagsOp) error {
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	err := t.client.Store(uidSetOf(uids), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
	if err != nil {
		return t.classify("store flags "+folder, err)
	}
	return nil
}

// AddFlags adds flags to the given messages.
func (t *IMAPTransport) AddFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	return t.storeFlags(ctx, folder, uids, flags, imap.StoreFlagsAdd)
}

// RemoveFlags removes flags from the given messages.
func (t *IMAPTransport) RemoveFlags(ctx context.Context, folder string, uids []uint32, flags []string) error {
	return t.storeFlags(ctx, folder, uids, flags, imap.StoreFlagsDel)
}

// DeleteMessages marks the messages deleted and expunges the folder.
// The mutex is held across both commands so no interleaved call can
// reselect another folder or drop the connection between them.
func (t *IMAPTransport) DeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.selectFolder(ctx, folder); err != nil {
		return err
	}
	if err := t.storeFlagsLocked(folder, uids, []string{string(imap.FlagDeleted)}, imap.StoreFlagsAdd); err != nil {
		return err
	}
	if err := t.client.Expunge().Close(); err != nil {
		return t.classify("expunge "+folder, err)
	}
	return nil
}

// MoveMessages moves the messages to another folder.
func (t *IMAPTransport) MoveMessages(ctx context.Context, folder string, uids []uint32, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.selectFolder(ctx, folder); err != nil {
		return err
	}

	if _, err := t.client.Move(uidSetOf(uids), target).Wait(); err != nil {
		return t.classify(fmt.Sprintf("move %s -> %s", folder, target), err)
	}
	return nil
}

func uidSetOf(uids []uint32) imap.UIDSet {
	conv := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		conv = append(conv, imap.UID(uid))
	}
	return imap.UIDSetNum(conv...)
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// messageFromBuffer converts a fetched envelope into a cache message.
func messageFromBuffer(folder string, buf *imapclient.FetchMessageBuffer) model.Message {
	m := model.Message{
		Folder: folder,
		UID:    uint32(buf.UID),
		Flags:  flagStrings(buf.Flags),
		Date:   time.Now().UTC(),
	}

	if buf.Envelope != nil {
		m.MessageID = buf.Envelope.MessageID
		if len(buf.Envelope.InReplyTo) > 0 {
			m.InReplyTo = buf.Envelope.InReplyTo[0]
		}
		m.Subject = buf.Envelope.Subject
		if !buf.Envelope.Date.IsZero() {
			m.Date = buf.Envelope.Date
		}
		if len(buf.Envelope.From) > 0 {
			m.FromAddress = buf.Envelope.From[0].Addr()
			m.FromName = buf.Envelope.From[0].Name
		}
		for _, to := range buf.Envelope.To {
			m.ToAddresses = append(m.ToAddresses, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			m.CcAddresses = append(m.CcAddresses, cc.Addr())
		}
	}

	return m
}

// parseMIMEBody parses a raw RFC 2822 message using go-message and
// extracts the text/plain body, text/html body, and whether attachments
// are present.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, hasAttachment bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw), "", false
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			hasAttachment = true
			_, _ = io.Copy(io.Discard, part.Body)
		}
	}

	return textBody, htmlBody, hasAttachment
}
