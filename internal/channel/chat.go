package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/lalithlochan/herald/internal/compose"
)

// Telegram allows about 30 messages per second per bot across chats; stay below it.
const chatRateCeiling = 20

type ChatConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// ChatSender delivers chat-push messages through the Telegram Bot API.
// The address is the numeric chat id.
type ChatSender struct {
	bot    *tele.Bot
	logger *zap.Logger
}

func NewChatSender(cfg ChatConfig, logger *zap.Logger) (*ChatSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Offline skips getMe at startup; TestConnection does that on demand.
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &ChatSender{bot: bot, logger: logger}, nil
}

func (s *ChatSender) Channel() string      { return Chat }
func (s *ChatSender) RateCeiling() float64 { return chatRateCeiling }

func (s *ChatSender) TestConnection(ctx context.Context) error {
	if _, err := s.bot.Raw("getMe", map[string]string{}); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

func (s *ChatSender) Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return nil, Fail(InvalidAddress, fmt.Errorf("chat id %q: %w", address, err))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, Fail(ContentRejected, errors.New("empty message"))
	}
	if err := ctx.Err(); err != nil {
		return nil, Fail(ProviderDown, err)
	}

	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{}

	var what interface{}
	switch msg.Shape {
	case compose.ShapeButtons:
		opts.ReplyMarkup = inlineKeyboard(msg.Buttons)
		what = msg.Text
	case compose.ShapeImage:
		what = &tele.Photo{File: tele.FromURL(msg.ImageURL), Caption: withLink(msg.Text, msg.Link)}
	default:
		what = withLink(msg.Text, msg.Link)
	}

	sent, err := s.bot.Send(chat, what, opts)
	if err != nil {
		kind := classifyTelegram(err)
		s.logger.Debug("telegram send failed",
			zap.Int64("chat_id", chatID),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return nil, Fail(kind, err)
	}

	return &Receipt{
		ProviderMessageID: strconv.Itoa(sent.ID),
		Response:          "ok",
	}, nil
}

func inlineKeyboard(buttons []compose.Button) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		if b.URL != "" {
			rows = append(rows, rm.Row(tele.Btn{Text: b.Label, URL: b.URL}))
		} else {
			rows = append(rows, rm.Row(tele.Btn{Text: b.Label, Data: b.Data}))
		}
	}
	rm.Inline(rows...)
	return rm
}

func withLink(text, link string) string {
	if link == "" {
		return text
	}
	return text + "\n\n" + link
}

// Bot API errors end with the HTTP-like code, e.g. "telegram: Bad Request: ... (400)".
var telegramCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classifyTelegram(err error) ErrorKind {
	switch {
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated):
		return InvalidAddress
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ProviderDown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ProviderDown
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := telegramCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	lower := strings.ToLower(err.Error())
	switch {
	case code == http.StatusTooManyRequests || strings.Contains(lower, "retry after"):
		return RateLimited
	case strings.Contains(lower, "chat not found"),
		strings.Contains(lower, "blocked by the user"),
		strings.Contains(lower, "user is deactivated"),
		code == http.StatusForbidden:
		return InvalidAddress
	case code == http.StatusBadRequest:
		return ContentRejected
	case code == http.StatusUnauthorized, code >= 500:
		return ProviderDown
	}
	return Unknown
}
