package xmppbot

import (
	"crypto/tls"
	"fmt"
	"strings"

	xmpp "github.com/xmppo/go-xmpp"
)

// Message is one incoming chat or groupchat stanza, reduced to what the
// command dispatcher needs.
type Message struct {
	// From is the sender JID: bare for chat, room@service/nick for groupchat.
	From string

	// Type is "chat" or "groupchat".
	Type string

	// Body is the plain-text body.
	Body string
}

// Session is one authenticated XMPP connection.
type Session interface {
	// Recv blocks until the next message stanza arrives. Non-message
	// stanzas (presence, IQ) are consumed silently.
	Recv() (Message, error)

	// Send delivers a message of the given type ("chat" or "groupchat")
	// to the given JID.
	Send(to, msgType, body string) error

	// JoinRoom enters a MUC under the given nick without requesting
	// history.
	JoinRoom(roomJID, nick string) error

	Close() error
}

// SessionConfig carries the connection parameters for one dial attempt.
type SessionConfig struct {
	// Address is the host:port of the XMPP server.
	Address string

	// JID is the bare JID to authenticate as.
	JID string

	Password string
	Resource string

	// Insecure disables TLS certificate verification and allows
	// plaintext authentication; used against local development servers
	// with self-signed or missing certificates.
	Insecure bool
}

// Dialer opens sessions. The production implementation speaks XMPP; tests
// substitute a scripted fake.
type Dialer interface {
	Dial(cfg SessionConfig) (Session, error)
}

// NetDialer dials real XMPP connections.
type NetDialer struct{}

func (NetDialer) Dial(cfg SessionConfig) (Session, error) {
	// The c2s port speaks plain TCP with an XML stream open; TLS is
	// negotiated in-band via STARTTLS, never as a direct handshake.
	opts := xmpp.Options{
		Host:     cfg.Address,
		User:     cfg.JID,
		Password: cfg.Password,
		Resource: cfg.Resource,
		NoTLS:    true,
		StartTLS: true,
		Session:  true,
	}
	if cfg.Insecure {
		opts.InsecureAllowUnencryptedAuth = true
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := opts.NewClient()
	if err != nil {
		return nil, fmt.Errorf("xmpp dial %s: %w", cfg.Address, err)
	}
	return &netSession{client: client}, nil
}

type netSession struct {
	client *xmpp.Client
}

func (s *netSession) Recv() (Message, error) {
	for {
		stanza, err := s.client.Recv()
		if err != nil {
			return Message{}, err
		}
		chat, ok := stanza.(xmpp.Chat)
		if !ok || chat.Text == "" {
			continue
		}
		return Message{From: chat.Remote, Type: chat.Type, Body: chat.Text}, nil
	}
}

func (s *netSession) Send(to, msgType, body string) error {
	_, err := s.client.Send(xmpp.Chat{Remote: to, Type: msgType, Text: body})
	return err
}

func (s *netSession) JoinRoom(roomJID, nick string) error {
	_, err := s.client.JoinMUCNoHistory(roomJID, nick)
	return err
}

func (s *netSession) Close() error {
	return s.client.Close()
}

// isAuthFailure classifies a dial error as a SASL authentication failure,
// which the bot heals by resetting its own password via the admin API.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "auth failed") ||
		strings.Contains(msg, "authentication failed")
}

// isPolicyViolation classifies a dial error as a stream-level policy
// violation (rate limit, IP ban). Retrying those makes the ban worse, so the
// bot degrades instead.
func isPolicyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "policy-violation")
}
