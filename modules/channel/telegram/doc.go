// Package telegram implements the Telegram side of smartfolders over the
// Bot API:
//
//   - A control bot that accepts commands in private chats (/auth, /start,
//     /newfolder, /folders, /delfolder, /logout, /status) and replies in
//     MarkdownV2, split to the platform message limit
//   - A relay transport (Dialer) implementing remote.Dialer, where each user
//     signs in with their own bot and channel posts are received through
//     getUpdates and forwarded with forwardMessage
//   - Two delivery modes for the control bot: long-polling (default) and
//     webhook through the gateway dispatcher
//
// The module registers itself as "channel.telegram" via init() and follows
// the module lifecycle: Configure, Provision, Validate, Start, Stop. The
// relay dialer is registered as the "remote.dialer" service during
// Provision.
//
// No external Telegram library is used; the module talks to the Bot API
// with net/http and encoding/json.
package telegram
