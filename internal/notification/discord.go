package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forest-guardian/cropmap/internal/properties"
)

type DiscordMessage struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

type DiscordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// MaxDescriptionLen is the Discord limit on an embed description.
const MaxDescriptionLen = 4096

const (
	colorRed    = 16711680
	colorGreen  = 65280
	colorYellow = 16776960
)

// Discord posts embeds to webhooks. An empty URL disables that kind of
// notification.
type Discord struct {
	ErrorURL   string
	SuccessURL string
	WarnURL    string
	Client     *http.Client
}

// NewDiscord reads the webhook URLs from the environment.
func NewDiscord() *Discord {
	return &Discord{
		ErrorURL:   properties.DiscordErrorNotificationUrl(),
		SuccessURL: properties.DiscordSuccessNotificationUrl(),
		WarnURL:    properties.DiscordWarnNotificationUrl(),
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Error(errorMessage string) error {
	return d.send(d.ErrorURL, DiscordEmbed{
		Title:       "🚨 Error Notification",
		Description: fmt.Sprintf("An error occurred: %s", errorMessage),
		Color:       colorRed,
	})
}

func (d *Discord) Success(successMessage string) error {
	return d.send(d.SuccessURL, DiscordEmbed{
		Title:       "✅ Success Notification",
		Description: successMessage,
		Color:       colorGreen,
	})
}

func (d *Discord) Warn(warnMessage string) error {
	return d.send(d.WarnURL, DiscordEmbed{
		Title:       "⚠️ Warning",
		Description: warnMessage,
		Color:       colorYellow,
	})
}

// send posts the embed, split over several messages when its description
// is longer than MaxDescriptionLen.
func (d *Discord) send(url string, embed DiscordEmbed) error {
	if url == "" {
		return nil
	}
	parts := SplitMessage(embed.Description, MaxDescriptionLen)
	for i, part := range parts {
		e := embed
		e.Description = part
		if len(parts) > 1 {
			e.Title = fmt.Sprintf("%s (%d/%d)", embed.Title, i+1, len(parts))
		}
		if err := d.post(url, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discord) post(url string, embed DiscordEmbed) error {
	payload, err := json.Marshal(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	if err != nil {
		return err
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send Discord notification, status code: %d", resp.StatusCode)
	}
	return nil
}

// SplitMessage cuts message into parts of at most n bytes, on line breaks
// where possible and never inside a UTF-8 sequence.
func SplitMessage(message string, n int) []string {
	var parts []string
	for len(message) > n {
		cut := strings.LastIndexByte(message[:n], '\n')
		if cut <= 0 {
			cut = n
			for cut > 0 && !utf8.RuneStart(message[cut]) {
				cut--
			}
			if cut == 0 {
				cut = n
			}
		}
		parts = append(parts, message[:cut])
		message = strings.TrimPrefix(message[cut:], "\n")
	}
	if message != "" {
		parts = append(parts, message)
	}
	return parts
}

func SendDiscordErrorNotification(errorMessage string) error {
	return NewDiscord().Error(errorMessage)
}
