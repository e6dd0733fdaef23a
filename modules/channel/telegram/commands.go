package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/channel"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/session"
)

const helpText = `**SmartFolders** relays posts from your source channels into one channel per folder.

` + "`/auth <bot_token>`" + ` sign in with a bot token
` + "`/auth <api_id> <api_hash> [bot_token]`" + ` sign in with API credentials
` + "`/start`" + ` sign in with a QR code
` + "`/code <code>`" + ` answer a login code
` + "`/password <password>`" + ` answer a two-factor prompt
` + "`/newfolder <name> <source,...> [destination]`" + ` create a folder
` + "`/folders`" + ` list your folders
` + "`/delfolder <name>`" + ` delete a folder
` + "`/logout`" + ` sign out and wipe your session
` + "`/status`" + ` engine status (admins)`

// command is one parsed control message.
type command struct {
	name string
	args []string
}

// parseCommand splits "/name@bot arg1 arg2". ok is false for plain text.
func parseCommand(text string) (cmd command, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return command{name: strings.ToLower(name), args: fields[1:]}, true
}

// adminCommands may only be run by admins.
var adminCommands = map[string]bool{"status": true}

// commander executes control commands against the relay engine and
// replies through the control bot.
type commander struct {
	engine  *engine.Engine
	client  *Client
	allow   *channel.AllowList
	limiter *security.CommandLimiter
	audit   *security.AuditLogger
	logger  *slog.Logger
	maxLen  int

	// ctx bounds background logins started by /start.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCommander(e *engine.Engine, client *Client, allow *channel.AllowList, limiter *security.CommandLimiter, audit *security.AuditLogger, logger *slog.Logger, maxLen int) *commander {
	ctx, cancel := context.WithCancel(context.Background())
	return &commander{
		engine:  e,
		client:  client,
		allow:   allow,
		limiter: limiter,
		audit:   audit,
		logger:  logger,
		maxLen:  maxLen,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// close cancels pending QR logins and waits for them.
func (c *commander) close() {
	c.cancel()
	c.wg.Wait()
}

// HandleUpdate is the UpdateHandler for the control bot. Only private
// messages carry commands; channel posts reach the bot through relay
// sessions, not here.
func (c *commander) HandleUpdate(ctx context.Context, u *Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.Chat.Type != "private" {
		return
	}
	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID

	if err := c.allow.Check(userID, adminCommands[cmd.name]); err != nil {
		c.audit.Log(security.AuditEvent{
			Type:   security.EventCommandDenied,
			UserID: userID,
			Method: "telegram",
			Detail: cmd.name,
		})
		if errors.Is(err, channel.ErrAdminOnly) {
			c.reply(ctx, chatID, "This command is restricted to admins.")
		} else {
			c.reply(ctx, chatID, "You are not allowed to use this bot.")
		}
		return
	}
	if err := c.limiter.Allow(userID); err != nil {
		c.audit.Log(security.AuditEvent{
			Type:   security.EventRateLimit,
			UserID: userID,
			Method: "telegram",
			Detail: cmd.name,
		})
		c.reply(ctx, chatID, "Too many commands, try again in a minute.")
		return
	}

	c.logger.Debug("telegram: command", "user", userID, "command", cmd.name, "args", len(cmd.args))
	c.reply(ctx, chatID, c.execute(ctx, userID, chatID, cmd))
}

// execute runs cmd and returns the reply text. An empty reply sends
// nothing.
func (c *commander) execute(ctx context.Context, userID, chatID int64, cmd command) string {
	switch cmd.name {
	case "start":
		return c.startQR(userID, chatID)
	case "help":
		return helpText
	case "auth":
		return c.signIn(ctx, userID, cmd.args)
	case "code":
		if len(cmd.args) != 1 {
			return "Usage: `/code <code>`"
		}
		res, err := c.engine.Sessions().SubmitCode(ctx, userID, cmd.args[0])
		return authReply(res, err)
	case "password":
		if len(cmd.args) == 0 {
			return "Usage: `/password <password>`"
		}
		res, err := c.engine.Sessions().SubmitPassword(ctx, userID, strings.Join(cmd.args, " "))
		return authReply(res, err)
	case "folders":
		return c.listFolders(userID)
	case "newfolder":
		return c.newFolder(ctx, userID, cmd.args)
	case "delfolder":
		if len(cmd.args) == 0 {
			return "Usage: `/delfolder <name>`"
		}
		name := strings.Join(cmd.args, " ")
		err := c.engine.Folders().DeleteFolder(ctx, userID, name)
		switch {
		case errors.Is(err, folder.ErrNotFound):
			return fmt.Sprintf("No folder named %q.", name)
		case err != nil:
			return "Could not delete the folder: " + err.Error()
		}
		return fmt.Sprintf("Folder **%s** deleted.", name)
	case "logout":
		err := c.engine.Sessions().Logout(ctx, userID)
		if errors.Is(err, session.ErrUnknownUser) {
			return "You are not signed in."
		}
		if err != nil {
			return "Logout failed: " + err.Error()
		}
		return "Signed out. Your session has been wiped."
	case "status":
		return statusReply(c.engine.Status())
	default:
		return "Unknown command. Send `/help` for the list."
	}
}

// startQR runs the QR login in the background. Tokens and the outcome are
// sent to chatID as they arrive.
func (c *commander) startQR(userID, chatID int64) string {
	if c.engine.Sessions().State(userID) == session.Authenticated {
		return "You are already signed in."
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.engine.Sessions().StartQR(c.ctx, userID, func(tok remote.QRToken) {
			c.reply(c.ctx, chatID, fmt.Sprintf("Scan this login link from a signed-in device before %s:\n`%s`",
				tok.ExpiresAt.UTC().Format(time.Kitchen), tok.URL))
		})
		if errors.Is(err, remote.ErrUnsupported) {
			c.reply(c.ctx, chatID, "QR login is not available here. Use `/auth <bot_token>` instead.")
			return
		}
		c.reply(c.ctx, chatID, authReply(res, err))
	}()
	return "Starting QR login..."
}

func (c *commander) signIn(ctx context.Context, userID int64, args []string) string {
	var creds remote.Credentials
	switch {
	case len(args) == 1 && tokenPattern.MatchString(args[0]):
		creds.BotToken = args[0]
	case len(args) == 2 || len(args) == 3:
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return "api_id must be a positive number."
		}
		creds.APIID, creds.APIHash = id, args[1]
		if len(args) == 3 {
			creds.BotToken = args[2]
		}
	default:
		return "Usage: `/auth <bot_token>` or `/auth <api_id> <api_hash> [bot_token]`"
	}
	res, err := c.engine.Sessions().SignIn(ctx, userID, creds)
	return authReply(res, err)
}

func (c *commander) listFolders(userID int64) string {
	folders := c.engine.Folders().ListFolders(userID)
	if len(folders) == 0 {
		return "You have no folders. Create one with `/newfolder`."
	}
	var b strings.Builder
	b.WriteString("**Your folders**\n")
	for _, f := range folders {
		dest := "pending"
		if f.Destination != 0 {
			dest = strconv.FormatInt(f.Destination, 10)
		}
		fmt.Fprintf(&b, "\n**%s**: %d sources, destination %s", f.Name, len(f.Sources), dest)
	}
	return b.String()
}

func (c *commander) newFolder(ctx context.Context, userID int64, args []string) string {
	if len(args) < 2 || len(args) > 3 {
		return "Usage: `/newfolder <name> <source,...> [destination]`"
	}
	sources, err := parseChannels(args[1])
	if err != nil {
		return err.Error()
	}
	var opts []folder.CreateOption
	if len(args) == 3 {
		dest, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || dest == 0 {
			return "destination must be a channel id."
		}
		opts = append(opts, folder.WithDestination(dest))
	}

	f, err := c.engine.Folders().CreateFolder(ctx, userID, args[0], sources, opts...)
	switch {
	case errors.Is(err, folder.ErrExists):
		return fmt.Sprintf("A folder named %q already exists.", args[0])
	case errors.Is(err, folder.ErrInvalidName), errors.Is(err, folder.ErrNoSources):
		return "Could not create the folder: " + err.Error()
	case err != nil:
		c.logger.Error("telegram: create folder failed", "user", userID, "error", err)
		return "Could not create the folder, try again later."
	}
	if f.Destination != 0 {
		return fmt.Sprintf("Folder **%s** created with %d sources.", f.Name, len(f.Sources))
	}

	// Create the destination now so transports that cannot create channels
	// fail here rather than on the first post.
	dest, err := c.engine.Folders().ResolveDestination(ctx, userID, f.ID)
	if err != nil {
		if errors.Is(err, remote.ErrUnsupported) {
			_ = c.engine.Folders().DeleteFolder(ctx, userID, f.Name)
			return "Your account cannot create channels. Pass an existing destination channel id."
		}
		return fmt.Sprintf("Folder **%s** created; its destination will be created on the first post (%v).", f.Name, err)
	}
	return fmt.Sprintf("Folder **%s** created with %d sources, destination %d.", f.Name, len(f.Sources), dest)
}

// parseChannels parses a comma-separated list of channel ids.
func parseChannels(arg string) ([]int64, error) {
	var out []int64
	for part := range strings.SplitSeq(arg, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid channel id %q", part)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one source channel is required")
	}
	return out, nil
}

// authReply describes the outcome of a login step.
func authReply(res session.AuthResult, err error) string {
	switch {
	case errors.Is(err, session.ErrAuthInProgress):
		return "A login is already in progress."
	case errors.Is(err, session.ErrNoPendingAuth):
		return "No login is waiting for that. Start with `/auth` or `/start`."
	case errors.Is(err, remote.ErrAuthTimeout):
		return "The login timed out. Send `/start` to try again."
	case err != nil:
		return "Login failed: " + err.Error()
	}
	switch {
	case res.State == session.Authenticated:
		return "Signed in. Your folders are now relaying."
	case res.Step == remote.StepPassword:
		return "Two-factor authentication is enabled. Send `/password <password>`."
	case res.Step == remote.StepCode:
		return "A login code was sent. Send `/code <code>`."
	default:
		return "Login state: " + res.State.String()
	}
}

func statusReply(s engine.Status) string {
	var b strings.Builder
	b.WriteString("**Relay status**\n")
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nUptime: %s", time.Since(s.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintf(&b, "\nSessions: %d (%d authenticated, %d connected, %d suppressed)",
		s.Sessions.Sessions, s.Sessions.Authenticated, s.Sessions.Connected, s.Sessions.Suppressed)
	fmt.Fprintf(&b, "\nFolders: %d", s.Folders)
	fmt.Fprintf(&b, "\nLanes: %d, queued: %d", s.Lanes, s.QueueDepth)
	fmt.Fprintf(&b, "\nEncrypted sessions: %t", s.Encrypted)
	return b.String()
}

// reply sends text to chatID as MarkdownV2, split to fit the message limit.
func (c *commander) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	// Escaping grows the text; leave room for it.
	chunks := channel.Splitter{MaxLength: c.maxLen * 3 / 4, Fences: true}.Split(text)
	for _, chunk := range chunks {
		_, err := c.client.SendMessage(ctx, SendMessageRequest{
			ChatID:                chatID,
			Text:                  FormatMarkdownV2(chunk),
			ParseMode:             "MarkdownV2",
			DisableWebPagePreview: true,
		})
		if err != nil {
			c.logger.Warn("telegram: reply failed", "chat", chatID, "error", err)
			return
		}
	}
}
