package xmppbot

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/chatwarden/chatwarden/common/redact"
	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/engine"
)

// commandPattern matches messages addressed to the bot; the capture is the
// verb and its arguments.
var commandPattern = regexp.MustCompile(`(?i)^\s*bot\b\s*(.*)$`)

const helpText = `Commands:
  bot status                 summary of managed state and the last sync
  bot create meet [name]     generate a meeting link
  bot login user admin       show the admin account's XMPP login (owners only)
  bot login ej admin         show the ejabberd console login (owners only)`

// parseCommand extracts the verb phrase from a message body. The second
// return is false when the message is not addressed to the bot at all.
func parseCommand(body string) (string, bool) {
	m := commandPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// handleMessage dispatches one incoming stanza: resolve the sender to a
// managed member, parse the command, send the reply back where the command
// came from.
func (b *Bot) handleMessage(sess Session, msg Message) {
	b.mu.Lock()
	suspended := b.suspended
	b.mu.Unlock()
	if suspended {
		return
	}

	verb, ok := parseCommand(msg.Body)
	if !ok {
		return
	}

	var replyTo string
	switch msg.Type {
	case "groupchat":
		room, nick, found := strings.Cut(msg.From, "/")
		if !found || nick == document.BotDisplayName {
			// Our own reflected MUC message.
			return
		}
		replyTo = room
	case "chat":
		replyTo = bareJID(msg.From)
		if replyTo == b.JID() {
			return
		}
	default:
		return
	}

	sender := b.senderMember(msg)
	reply := b.runCommand(sender, verb)
	if reply == "" {
		return
	}
	if err := sess.Send(replyTo, msg.Type, reply); err != nil {
		b.log.Warn("command reply failed", "to", replyTo, "error", err)
		return
	}
	b.log.Debug("command handled", "verb", verb, "reply", b.redactedReply(reply))
}

// runCommand executes a parsed verb phrase and returns the reply text.
func (b *Bot) runCommand(sender *document.Member, verb string) string {
	fields := strings.Fields(strings.ToLower(verb))
	switch {
	case len(fields) == 0:
		return helpText

	case fields[0] == "status":
		return b.statusReply()

	case len(fields) >= 2 && fields[0] == "create" && fields[1] == "meet":
		name := strings.Join(strings.Fields(verb)[2:], " ")
		return b.meetReply(name)

	case len(fields) == 3 && fields[0] == "login" && fields[1] == "user" && fields[2] == "admin":
		if !b.isOwner(sender) {
			return "Sorry, only owners may see admin credentials."
		}
		return b.loginReply(false)

	case len(fields) == 3 && fields[0] == "login" && fields[1] == "ej" && fields[2] == "admin":
		if !b.isOwner(sender) {
			return "Sorry, only owners may see admin credentials."
		}
		return b.loginReply(true)

	default:
		return "Unknown command.\n" + helpText
	}
}

func (b *Bot) statusReply() string {
	doc, err := b.state.Snapshot()
	if err != nil {
		return "Cannot read the configuration document: " + err.Error()
	}
	b.mu.Lock()
	lastSync := b.lastSync
	degraded := b.degradedReason
	joined := len(b.joined)
	b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Managing %d members, %d rooms, %d groups. Joined %d rooms.",
		len(doc.Members), len(doc.Rooms), len(doc.Groups), joined)
	if lastSync != "" {
		fmt.Fprintf(&sb, "\nLast sync: %s", lastSync)
	}
	if degraded != "" {
		fmt.Fprintf(&sb, "\nConnection degraded: %s", degraded)
	}
	return sb.String()
}

func (b *Bot) meetReply(name string) string {
	slug := uuid.NewString()[:8]
	if kebab := engine.KebabID(name); kebab != "" {
		slug = kebab + "-" + slug
	}
	link := strings.TrimRight(b.cfg.MeetBaseURL, "/") + "/" + slug
	if name != "" {
		return fmt.Sprintf("Meeting %q: %s", name, link)
	}
	return "Meeting link: " + link
}

// loginReply reveals the admin account credentials: the XMPP login, or with
// console=true the ejabberd web console login.
func (b *Bot) loginReply(console bool) string {
	doc, err := b.state.Snapshot()
	if err != nil {
		return "Cannot read the configuration document: " + err.Error()
	}
	creds := doc.Tracking.AdminCredentials
	if creds == nil {
		return "No admin credentials are stored yet; they are created on first connect."
	}
	if console {
		return fmt.Sprintf("Console: %s\nUser: %s@%s\nPassword: %s",
			b.cfg.AdminConsoleURL, creds.Username, b.cfg.XMPPDomain, creds.Password)
	}
	return fmt.Sprintf("XMPP login: %s@%s\nPassword: %s",
		creds.Username, b.cfg.XMPPDomain, creds.Password)
}

// senderMember resolves the message sender to a managed member: by user-id
// for direct chats, by MUC nick (the roster display name) for groupchat.
func (b *Bot) senderMember(msg Message) *document.Member {
	doc, err := b.state.Snapshot()
	if err != nil {
		return nil
	}
	switch msg.Type {
	case "chat":
		jid := bareJID(msg.From)
		local, domain, ok := strings.Cut(jid, "@")
		if !ok || domain != b.cfg.XMPPDomain {
			return nil
		}
		return doc.FindMember(local)
	case "groupchat":
		_, nick, ok := strings.Cut(msg.From, "/")
		if !ok {
			return nil
		}
		for i := range doc.Members {
			if doc.Members[i].Name == nick {
				return &doc.Members[i]
			}
		}
	}
	return nil
}

func (b *Bot) isOwner(sender *document.Member) bool {
	return sender != nil && sender.Groups.Contains(document.OwnerGroup)
}

// redactedReply strips the stored admin password out of a reply before it
// reaches the logs.
func (b *Bot) redactedReply(reply string) string {
	doc, err := b.state.Snapshot()
	if err != nil || doc.Tracking.AdminCredentials == nil {
		return reply
	}
	return redact.String(reply, doc.Tracking.AdminCredentials.Password)
}

func bareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}
