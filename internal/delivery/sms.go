package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// SMSSender delivers verification-code texts.
type SMSSender interface {
	SendCode(ctx context.Context, toPhone, code string) (provider string, err error)
}

type twilioClient struct {
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
}

func NewSMSSender(cfg *config.Config) SMSSender {
	return &twilioClient{
		accountSID: cfg.Delivery.TwilioAccountSID,
		authToken:  cfg.Delivery.TwilioAuthToken,
		from:       cfg.Delivery.TwilioFromNumber,
		httpClient: &http.Client{Timeout: cfg.Delivery.Timeout},
	}
}

func (t *twilioClient) SendCode(ctx context.Context, toPhone, code string) (string, error) {
	form := url.Values{}
	form.Set("To", toPhone)
	form.Set("From", t.from)
	form.Set("Body", fmt.Sprintf("Your BibleNOW verification code is: %s", code))

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "twilio", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "twilio", fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		util.Warn("twilio delivery failed",
			util.Int("status", resp.StatusCode),
			util.String("detail", string(detail)))
		return "twilio", fmt.Errorf("twilio delivery failed with status %d", resp.StatusCode)
	}
	return "twilio", nil
}
