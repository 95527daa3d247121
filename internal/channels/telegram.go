package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lyqf/proxycast/internal/config"
	"github.com/lyqf/proxycast/internal/rpc"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
)

const (
	// maxReplyLen caps outgoing messages below Telegram's 4096 limit.
	maxReplyLen = 4000
	confirmTTL  = 90 * time.Second

	minPollTimeout = 5
	maxPollTimeout = 60
)

// pendingCommand is a dangerous command awaiting /confirm, persisted in the
// KV store keyed by chat id so a restart does not leave ghost confirmations.
type pendingCommand struct {
	Token     string    `json:"token"`
	Command   string    `json:"command"`
	Arg       string    `json:"arg"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TelegramChannel relays Telegram commands to the JSON-RPC handler.
type TelegramChannel struct {
	token       string
	allowedIDs  map[int64]struct{}
	pollTimeout int
	rpc         *rpc.Handler
	store       *store.Store
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI

	// rejectedMu guards the one-reply-per-unknown-chat bookkeeping.
	rejectedMu sync.Mutex
	rejected   map[int64]struct{}
}

// NewTelegramChannel builds the bridge from config.
func NewTelegramChannel(cfg config.TelegramConfig, handler *rpc.Handler, st *store.Store, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	timeout := cfg.PollTimeout
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	return &TelegramChannel{
		token:       cfg.Token,
		allowedIDs:  allowed,
		pollTimeout: timeout,
		rpc:         handler,
		store:       st,
		logger:      logger,
		rejected:    make(map[int64]struct{}),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start long-polls getUpdates until ctx is cancelled. Transient poll
// failures reconnect with exponential backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var offset int

	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  offset,
			Timeout: t.pollTimeout,
		})
		if err != nil {
			t.logger.Warn("telegram poll failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			t.handleUpdate(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		t.rejectedMu.Lock()
		_, seen := t.rejected[msg.From.ID]
		t.rejected[msg.From.ID] = struct{}{}
		t.rejectedMu.Unlock()
		if !seen {
			t.send(chatID, "Access denied: this chat is not on the allow list.")
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	reply := t.handleCommand(shared.WithRequestID(ctx, shared.NewRequestID()), chatID, text)
	if reply != "" {
		t.send(chatID, reply)
	}
}

// handleCommand executes one command and returns the reply text. Long
// running commands reply asynchronously through send.
func (t *TelegramChannel) handleCommand(ctx context.Context, chatID int64, text string) string {
	command, arg := splitCommand(text)
	switch command {
	case "/run":
		if arg == "" {
			return "Usage: /run <text>"
		}
		return t.cmdRun(ctx, chatID, arg)
	case "/status":
		if arg == "" {
			return "Usage: /status <run_id>"
		}
		return t.cmdStatus(ctx, arg)
	case "/stop":
		if arg == "" {
			return "Usage: /stop <run_id>"
		}
		return t.armConfirmation(ctx, chatID, "/stop", arg)
	case "/cron_list":
		return t.cmdCronList(ctx)
	case "/cron_health":
		return t.cmdCronHealth(ctx)
	case "/cron_run":
		if arg == "" {
			return "Usage: /cron_run <task_id>"
		}
		return t.armConfirmation(ctx, chatID, "/cron_run", arg)
	case "/sessions":
		return t.cmdSessions(ctx)
	case "/session":
		if arg == "" {
			return "Usage: /session <id>"
		}
		return t.cmdSession(ctx, arg)
	case "/confirm":
		if arg == "" {
			return "Usage: /confirm <token>"
		}
		return t.cmdConfirm(ctx, chatID, arg)
	case "/cancel":
		return t.cmdCancel(ctx, chatID)
	case "/help":
		return helpText
	default:
		return "Unknown command. Send /help for the command list."
	}
}

const helpText = `Commands:
/run <text> - start an agent run
/status <run_id> - check a run
/stop <run_id> - stop a run (needs /confirm)
/cron_list - list scheduled tasks
/cron_health - scheduler health report
/cron_run <task_id> - trigger a task (needs /confirm)
/sessions - list recent sessions
/session <id> - session details
/confirm <token> - confirm a pending command
/cancel - cancel the pending command
/help - this text`

func (t *TelegramChannel) cmdRun(ctx context.Context, chatID int64, message string) string {
	var started struct {
		RunID     string `json:"runId"`
		SessionID string `json:"sessionId"`
	}
	if errText := t.invoke(ctx, "agent.run", map[string]any{
		"message":   message,
		"sessionId": fmt.Sprintf("telegram-%d", chatID),
	}, &started); errText != "" {
		return errText
	}

	// Deliver the final answer when the run settles.
	go func() {
		var waited struct {
			Completed bool   `json:"completed"`
			Status    string `json:"status"`
			Content   string `json:"content"`
		}
		waitCtx := context.WithoutCancel(ctx)
		if errText := t.invoke(waitCtx, "agent.wait", map[string]any{
			"runId":     started.RunID,
			"timeoutMs": int64(maxWait / time.Millisecond),
		}, &waited); errText != "" {
			t.send(chatID, errText)
			return
		}
		if !waited.Completed {
			t.send(chatID, fmt.Sprintf("Run %s is still going. Check later with /status %s", started.RunID, started.RunID))
			return
		}
		if waited.Status != store.RunStatusSuccess {
			t.send(chatID, fmt.Sprintf("Run %s finished with status %s.", started.RunID, waited.Status))
			return
		}
		t.send(chatID, waited.Content)
	}()
	return fmt.Sprintf("Run started: %s", started.RunID)
}

const maxWait = 2 * time.Minute

func (t *TelegramChannel) cmdStatus(ctx context.Context, runID string) string {
	var waited struct {
		Completed bool   `json:"completed"`
		Status    string `json:"status"`
		Content   string `json:"content"`
	}
	if errText := t.invoke(ctx, "agent.wait", map[string]any{
		"runId":     runID,
		"timeoutMs": int64(1),
	}, &waited); errText != "" {
		return errText
	}
	if !waited.Completed {
		return fmt.Sprintf("Run %s: %s", runID, waited.Status)
	}
	if waited.Content != "" {
		return fmt.Sprintf("Run %s: %s\n%s", runID, waited.Status, waited.Content)
	}
	return fmt.Sprintf("Run %s: %s", runID, waited.Status)
}

func (t *TelegramChannel) cmdCronList(ctx context.Context) string {
	var listed struct {
		Tasks []struct {
			TaskID   string `json:"taskId"`
			Name     string `json:"name"`
			Schedule string `json:"schedule"`
			Enabled  bool   `json:"enabled"`
			Status   string `json:"status"`
			NextRun  string `json:"nextRun"`
		} `json:"tasks"`
	}
	if errText := t.invoke(ctx, "cron.list", nil, &listed); errText != "" {
		return errText
	}
	if len(listed.Tasks) == 0 {
		return "No scheduled tasks."
	}
	var b strings.Builder
	b.WriteString("Scheduled tasks:\n")
	for _, task := range listed.Tasks {
		state := "off"
		if task.Enabled {
			state = task.Status
		}
		fmt.Fprintf(&b, "- %s (%s) [%s] %s", task.TaskID, task.Name, state, task.Schedule)
		if task.NextRun != "" {
			fmt.Fprintf(&b, " next %s", task.NextRun)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *TelegramChannel) cmdCronHealth(ctx context.Context) string {
	var health struct {
		TotalTasks   int      `json:"totalTasks"`
		EnabledTasks int      `json:"enabledTasks"`
		InCooldown   int      `json:"inCooldown"`
		StaleRunning int      `json:"staleRunning"`
		Alerts       []string `json:"alerts"`
		TopRisky     []struct {
			TaskID              string `json:"taskId"`
			ConsecutiveFailures int    `json:"consecutiveFailures"`
		} `json:"topRisky"`
	}
	if errText := t.invoke(ctx, "cron.health", map[string]any{}, &health); errText != "" {
		return errText
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler health: %d tasks, %d enabled, %d in cooldown, %d stale\n",
		health.TotalTasks, health.EnabledTasks, health.InCooldown, health.StaleRunning)
	if len(health.Alerts) == 0 {
		b.WriteString("No alerts.")
	} else {
		b.WriteString("Alerts:\n")
		for _, alert := range health.Alerts {
			fmt.Fprintf(&b, "- %s\n", alert)
		}
	}
	for _, risky := range health.TopRisky {
		fmt.Fprintf(&b, "\nAt risk: %s (%d consecutive failures)", risky.TaskID, risky.ConsecutiveFailures)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *TelegramChannel) cmdSessions(ctx context.Context) string {
	var listed struct {
		Sessions []struct {
			SessionID    string `json:"sessionId"`
			MessageCount int    `json:"messageCount"`
			UpdatedAt    string `json:"updatedAt"`
		} `json:"sessions"`
	}
	if errText := t.invoke(ctx, "sessions.list", nil, &listed); errText != "" {
		return errText
	}
	if len(listed.Sessions) == 0 {
		return "No sessions yet."
	}
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, s := range listed.Sessions {
		fmt.Fprintf(&b, "- %s (%d messages, updated %s)\n", s.SessionID, s.MessageCount, s.UpdatedAt)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *TelegramChannel) cmdSession(ctx context.Context, sessionID string) string {
	var got struct {
		SessionID    string `json:"sessionId"`
		Model        string `json:"model"`
		MessageCount int    `json:"messageCount"`
		TotalRuns    int    `json:"totalRuns"`
		FailedLast24 int    `json:"failedLast24h"`
	}
	if errText := t.invoke(ctx, "sessions.get", map[string]any{"sessionId": sessionID}, &got); errText != "" {
		return errText
	}
	model := got.Model
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("Session %s\nModel: %s\nMessages: %d\nRuns: %d (%d failed last 24h)",
		got.SessionID, model, got.MessageCount, got.TotalRuns, got.FailedLast24)
}

// armConfirmation stores a pending dangerous command and hands the caller a
// token. Nothing executes until /confirm matches it inside the TTL.
func (t *TelegramChannel) armConfirmation(ctx context.Context, chatID int64, command, arg string) string {
	token := shared.NewRequestID()[:8]
	pending := pendingCommand{
		Token:     token,
		Command:   command,
		Arg:       arg,
		ExpiresAt: time.Now().Add(confirmTTL),
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return "Internal error storing the confirmation."
	}
	if err := t.store.KVSet(ctx, pendingKey(chatID), string(encoded)); err != nil {
		t.logger.Error("store pending command", "error", err)
		return "Internal error storing the confirmation."
	}
	return fmt.Sprintf("%s %s is a dangerous command. Send /confirm %s within %d seconds to execute, or /cancel.",
		command, arg, token, int(confirmTTL.Seconds()))
}

func (t *TelegramChannel) cmdConfirm(ctx context.Context, chatID int64, token string) string {
	raw, ok, err := t.store.KVGet(ctx, pendingKey(chatID))
	if err != nil {
		return "Internal error reading the confirmation."
	}
	if !ok {
		return "No pending confirmation."
	}
	var pending pendingCommand
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		_ = t.store.KVDelete(ctx, pendingKey(chatID))
		return "No pending confirmation."
	}
	if time.Now().After(pending.ExpiresAt) {
		_ = t.store.KVDelete(ctx, pendingKey(chatID))
		return "Confirmation expired. Re-issue the command."
	}
	if pending.Token != token {
		return "Token mismatch. The pending command was not executed."
	}
	_ = t.store.KVDelete(ctx, pendingKey(chatID))

	switch pending.Command {
	case "/stop":
		var stopped struct {
			RunID   string `json:"runId"`
			Stopped bool   `json:"stopped"`
		}
		if errText := t.invoke(ctx, "agent.stop", map[string]any{"runId": pending.Arg}, &stopped); errText != "" {
			return errText
		}
		if stopped.Stopped {
			return fmt.Sprintf("Run %s stopped.", pending.Arg)
		}
		return fmt.Sprintf("Run %s was no longer streaming; marked canceled.", pending.Arg)
	case "/cron_run":
		var ran struct {
			TaskID  string `json:"taskId"`
			Started bool   `json:"started"`
		}
		if errText := t.invoke(ctx, "cron.run", map[string]any{"taskId": pending.Arg}, &ran); errText != "" {
			return errText
		}
		return fmt.Sprintf("Task %s triggered.", pending.Arg)
	default:
		return "Unknown pending command."
	}
}

func (t *TelegramChannel) cmdCancel(ctx context.Context, chatID int64) string {
	_, ok, err := t.store.KVGet(ctx, pendingKey(chatID))
	if err != nil || !ok {
		return "No pending confirmation."
	}
	if err := t.store.KVDelete(ctx, pendingKey(chatID)); err != nil {
		return "Internal error clearing the confirmation."
	}
	return "Pending command canceled."
}

// invoke calls one JSON-RPC method on the shared handler and decodes the
// result. A non-empty return is the user-facing error text.
func (t *TelegramChannel) invoke(ctx context.Context, method string, params any, result any) string {
	frame := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		frame["params"] = params
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return "Internal error encoding the request."
	}
	out := t.rpc.Handle(ctx, raw, nil)
	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Data    *struct {
				Code string `json:"code"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &reply); err != nil {
		return "Internal error decoding the response."
	}
	if reply.Error != nil {
		if reply.Error.Data != nil && reply.Error.Data.Code != "" {
			return fmt.Sprintf("Error (%s): %s", reply.Error.Data.Code, reply.Error.Message)
		}
		return fmt.Sprintf("Error: %s", reply.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return "Internal error decoding the result."
		}
	}
	return ""
}

func (t *TelegramChannel) send(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, truncateReply(text))
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "error", err)
	}
}

func pendingKey(chatID int64) string {
	return fmt.Sprintf("telegram:pending:%d", chatID)
}

// truncateReply keeps outgoing messages under the transport limit.
func truncateReply(text string) string {
	if len(text) <= maxReplyLen {
		return text
	}
	const marker = "\n[truncated]"
	cut := maxReplyLen - len(marker)
	// Avoid splitting a multi-byte rune at the cut point.
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut] + marker
}

// splitCommand separates the command word from its argument. Telegram may
// suffix commands with the bot name, as in /run@proxycast_bot.
func splitCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	command = fields[0]
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	arg = strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
	return command, arg
}
