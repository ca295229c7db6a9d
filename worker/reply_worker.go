package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leadflow/config"
	"leadflow/services"
	"leadflow/utils"
)

// ReplyRecorder stores a reply against the message it answers.
type ReplyRecorder interface {
	RecordReply(ctx context.Context, messageID string, meta map[string]string) error
}

// Reply is what the poller extracts from one inbound email.
type Reply struct {
	MessageID string
	From      string
	Subject   string
}

// ReplyWorker polls the reply inbox over IMAP and records every reply to a
// message this service sent.
type ReplyWorker struct {
	cfg      config.IMAPConfig
	domain   string
	recorder ReplyRecorder
	log      *logrus.Entry
}

func NewReplyWorker(cfg config.IMAPConfig, messageIDDomain string, recorder ReplyRecorder, log *logrus.Entry) *ReplyWorker {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &ReplyWorker{
		cfg:      cfg,
		domain:   strings.ToLower(messageIDDomain),
		recorder: recorder,
		log:      log,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.log.Info("Starting reply worker...")
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := rw.Poll(ctx)
			if err != nil {
				utils.LogError(rw.log, "reply_poll_failed", err, map[string]interface{}{"host": rw.cfg.Host})
				continue
			}
			if n > 0 {
				rw.log.WithField("replies", n).Info("Recorded replies")
			}
		case <-ctx.Done():
			rw.log.Info("Stopping reply worker...")
			return
		}
	}
}

// Poll fetches unseen messages, records the replies among them and flags
// everything it read as seen. It returns the number of replies recorded.
func (rw *ReplyWorker) Poll(ctx context.Context) (int, error) {
	addr := fmt.Sprintf("%s:%d", rw.cfg.Host, rw.cfg.Port)
	c, err := client.DialTLS(addr, &tls.Config{ServerName: rw.cfg.Host})
	if err != nil {
		return 0, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(rw.cfg.Username, rw.cfg.Password); err != nil {
		return 0, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	if _, err := c.Select(rw.cfg.Mailbox, false); err != nil {
		return 0, fmt.Errorf("failed to select mailbox %s: %w", rw.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	recorded := 0
	handled := new(imap.SeqSet)
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		ok, err := rw.handle(ctx, body)
		if err != nil {
			rw.log.WithError(err).WithField("seq", msg.SeqNum).Warn("Failed to process inbound message")
			continue
		}
		if ok {
			recorded++
		}
		handled.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return recorded, fmt.Errorf("error during fetch: %w", err)
	}

	if !handled.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := c.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return recorded, fmt.Errorf("failed to flag messages seen: %w", err)
		}
	}
	return recorded, nil
}

// handle records r when it answers one of our messages. Errors are only
// returned for failures worth retrying on the next poll.
func (rw *ReplyWorker) handle(ctx context.Context, r io.Reader) (bool, error) {
	reply, err := ParseReply(r, rw.domain)
	if err != nil {
		// Unparseable mail will not parse on the next poll either.
		if !errors.Is(err, ErrNotAReply) {
			rw.log.WithError(err).Debug("Skipping unparseable inbound message")
		}
		return false, nil
	}

	err = rw.recorder.RecordReply(ctx, reply.MessageID, map[string]string{
		"from":    reply.From,
		"subject": reply.Subject,
	})
	if errors.Is(err, services.ErrNotFound) {
		rw.log.WithField("message_id", reply.MessageID).Debug("Reply to an unknown message")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ErrNotAReply marks inbound mail that does not reference a message we sent.
var ErrNotAReply = errors.New("not a reply to a tracked message")

// ParseReply reads the headers of a raw email and finds the message it
// answers. In-Reply-To is tried first, then References from newest to
// oldest. Only ids of the form <uuid@domain> are ours.
func ParseReply(r io.Reader, domain string) (*Reply, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	candidates, _ := h.MsgIDList("In-Reply-To")
	refs, _ := h.MsgIDList("References")
	for i := len(refs) - 1; i >= 0; i-- {
		candidates = append(candidates, refs[i])
	}

	for _, id := range candidates {
		if messageID, ok := matchMessageID(id, domain); ok {
			reply := &Reply{MessageID: messageID}
			reply.Subject, _ = h.Subject()
			if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
				reply.From = utils.NormalizeEmail(from[0].Address)
			}
			return reply, nil
		}
	}
	return nil, ErrNotAReply
}

func matchMessageID(id, domain string) (string, bool) {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	at := strings.LastIndex(id, "@")
	if at == -1 || !strings.EqualFold(id[at+1:], domain) {
		return "", false
	}
	local := id[:at]
	if _, err := uuid.Parse(local); err != nil {
		return "", false
	}
	return local, true
}
