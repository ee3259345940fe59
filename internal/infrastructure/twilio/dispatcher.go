// Package twilio places the fallback voice call and SMS through the Twilio
// REST API.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

const defaultBaseURL = "https://api.twilio.com"

// Config holds the account credentials and numbers.
type Config struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	ToNumber     string
	BaseURL      string
	VoiceEnabled bool
	SMSEnabled   bool
}

// Dispatcher escalates an unacknowledged item by phone.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.FallbackDispatcher = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher; nil client picks a 15s timeout.
func NewDispatcher(cfg Config, client *http.Client, logger *slog.Logger) *Dispatcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Dispatch places the voice call and/or sends the SMS. The voice result
// decides success when voice is enabled; SMS failures are then only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, esc domain.PendingEscalation) error {
	if !d.cfg.VoiceEnabled && !d.cfg.SMSEnabled {
		return errors.New("twilio: voice and sms both disabled")
	}

	var voiceErr, smsErr error
	if d.cfg.VoiceEnabled {
		var sid string
		sid, voiceErr = d.create(ctx, "Calls.json", url.Values{"Twiml": {VoiceTwiML(esc.Item)}})
		if voiceErr != nil {
			d.logger.Error("twilio voice call failed", "token", esc.Token, "error", voiceErr)
		} else {
			d.logger.Info("twilio voice call initiated", "token", esc.Token, "sid", sid)
		}
	}

	if d.cfg.SMSEnabled {
		var sid string
		sid, smsErr = d.create(ctx, "Messages.json", url.Values{"Body": {SMSBody(esc.Item, d.now())}})
		if smsErr != nil {
			d.logger.Error("twilio sms failed", "token", esc.Token, "error", smsErr)
		} else {
			d.logger.Info("twilio sms sent", "token", esc.Token, "sid", sid)
		}
	}

	if d.cfg.VoiceEnabled {
		return voiceErr
	}
	return smsErr
}

// VoiceTwiML is the spoken alert.
func VoiceTwiML(item domain.Item) string {
	say := fmt.Sprintf("Alert! New Reddit post detected by %s in %s. %s.", item.Author, item.Channel, item.Headline())
	return "<Response><Say>" + escape(say) + `</Say><Pause length="1"/><Say>Check notifications for details.</Say></Response>`
}

// SMSBody is the text message alert.
func SMSBody(item domain.Item, now time.Time) string {
	body := item.Headline() + "\n\n" + item.Summary(now)
	if link := item.Link(); link != "" {
		body += "\n\nLink: " + link
	}
	return body
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

type resource struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (d *Dispatcher) create(ctx context.Context, resourcePath string, form url.Values) (string, error) {
	form.Set("From", d.cfg.FromNumber)
	form.Set("To", d.cfg.ToNumber)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s",
		strings.TrimSuffix(d.cfg.BaseURL, "/"), url.PathEscape(d.cfg.AccountSID), resourcePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var res resource
	decodeErr := json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if res.Message != "" {
			return "", fmt.Errorf("twilio %s: %s (code %d)", resp.Status, res.Message, res.Code)
		}
		return "", fmt.Errorf("twilio %s", resp.Status)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	return res.SID, nil
}
