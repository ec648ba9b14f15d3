// Package notify pushes pool events to Discord and Telegram webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier delivers webhook notifications. All Notify methods return
// immediately and deliver in the background.
type Notifier struct {
	cfg      *config.NotifyConfig
	poolName string
	client   *http.Client

	// telegramAPI is overridable in tests.
	telegramAPI string
}

func NewNotifier(cfg *config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: "https://api.telegram.org",
	}
}

// NotifyBlockWon announces a block the pool just won.
func (n *Notifier) NotifyBlockWon(block *storage.WonBlock) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordBlockWon(block)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramBlockWon(block)
	}
}

// NotifyPayoutSent announces a broadcast payout transaction.
func (n *Notifier) NotifyPayoutSent(payout *storage.Payout) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordPayoutSent(payout)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramPayoutSent(payout)
	}
}

// DiscordEmbed is one embed object of a Discord webhook payload.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type DiscordFooter struct {
	Text string `json:"text"`
}

type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordBlockWon(block *storage.WonBlock) {
	embed := DiscordEmbed{
		Title:       "Block Won!",
		Description: fmt.Sprintf("**%s** forged a block", n.poolName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", block.Height), Inline: true},
			{Name: "Reward", Value: util.PlanckToCoin(block.FullReward) + " BURST", Inline: true},
			{Name: "Forger", Value: util.FormatAccountID(block.GeneratorID), Inline: true},
			{Name: "Nonce", Value: fmt.Sprintf("%d", block.Nonce), Inline: true},
			{Name: "Block", Value: util.FormatAccountID(block.BlockID), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordPayoutSent(payout *storage.Payout) {
	var total int64
	for _, amount := range payout.Recipients {
		total += amount
	}

	embed := DiscordEmbed{
		Title:       "Payout Sent",
		Description: fmt.Sprintf("**%s** has paid its miners", n.poolName),
		Color:       0x0099FF, // Blue
		Fields: []DiscordField{
			{Name: "Total Paid", Value: util.PlanckToCoin(total) + " BURST", Inline: true},
			{Name: "Recipients", Value: fmt.Sprintf("%d", len(payout.Recipients)), Inline: true},
			{Name: "Transaction", Value: util.FormatAccountID(payout.TransactionID), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage posts to the Discord webhook with exponential backoff.
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	n.post(n.cfg.DiscordURL, body, "Discord")
}

// TelegramMessage is the sendMessage payload of the Telegram Bot API.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramBlockWon(block *storage.WonBlock) {
	text := fmt.Sprintf(
		"*Block Won!*\n\n"+
			"Height: `%d`\n"+
			"Reward: `%s BURST`\n"+
			"Forger: `%s`\n"+
			"Nonce: `%d`",
		block.Height, util.PlanckToCoin(block.FullReward),
		util.FormatAccountID(block.GeneratorID), block.Nonce,
	)

	n.sendTelegramMessage(text)
}

func (n *Notifier) sendTelegramPayoutSent(payout *storage.Payout) {
	var total int64
	for _, amount := range payout.Recipients {
		total += amount
	}

	text := fmt.Sprintf(
		"*Payout Sent*\n\n"+
			"Total Paid: `%s BURST`\n"+
			"Recipients: `%d`\n"+
			"Transaction: `%s`",
		util.PlanckToCoin(total), len(payout.Recipients),
		util.FormatAccountID(payout.TransactionID),
	)

	n.sendTelegramMessage(text)
}

// sendTelegramMessage posts via the Telegram Bot API with exponential backoff.
func (n *Notifier) sendTelegramMessage(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	n.post(url, body, "Telegram")
}

func (n *Notifier) post(url string, body []byte, service string) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		// Rate limited, wait longer than the normal backoff
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send %s notification after %d retries: %v", service, MaxRetries, lastErr)
	}
}
