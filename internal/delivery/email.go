package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

// EmailSender delivers verification-code emails. Delivery failure is
// reported to the caller but never invalidates an already-issued code.
type EmailSender interface {
	SendCode(ctx context.Context, to string, purpose models.Purpose, code string) (provider string, err error)
}

type emailTemplate struct {
	Subject string
	Body    string
}

// Templates keyed by the provider-side template name each purpose maps to.
var emailTemplates = map[string]emailTemplate{
	"SIGNUP": {
		Subject: "Confirm your BibleNOW account",
		Body:    "Welcome to BibleNOW! Your verification code is: %s\n\nThis code expires in 15 minutes.",
	},
	"INVITE": {
		Subject: "You've been invited to BibleNOW",
		Body:    "You've been invited to join BibleNOW. Your verification code is: %s\n\nThis code expires in 15 minutes.",
	},
	"RESET_PASSWORD": {
		Subject: "Reset your BibleNOW password",
		Body:    "Your password reset code is: %s\n\nIf you didn't request this, you can ignore this email.",
	},
	"CHANGE_EMAIL": {
		Subject: "Confirm your new email address",
		Body:    "Your email change code is: %s\n\nThis code expires in 15 minutes.",
	},
	"TWO_FACTOR": {
		Subject: "Your BibleNOW verification code",
		Body:    "Your two-factor verification code is: %s\n\nThis code expires in 15 minutes.",
	},
}

// emailDispatcher routes onboarding templates (SIGNUP, INVITE) through
// Resend and everything else through Postmark.
type emailDispatcher struct {
	resend   *resendClient
	postmark *postmarkClient
}

func NewEmailSender(cfg *config.Config) EmailSender {
	httpClient := &http.Client{Timeout: cfg.Delivery.Timeout}
	return &emailDispatcher{
		resend: &resendClient{
			apiKey:     cfg.Delivery.ResendAPIKey,
			from:       cfg.Delivery.FromEmail,
			httpClient: httpClient,
		},
		postmark: &postmarkClient{
			token:      cfg.Delivery.PostmarkAPIToken,
			from:       cfg.Delivery.FromEmail,
			httpClient: httpClient,
		},
	}
}

func (d *emailDispatcher) SendCode(ctx context.Context, to string, purpose models.Purpose, code string) (string, error) {
	templateName := purpose.EmailTemplate()
	tmpl, ok := emailTemplates[templateName]
	if !ok {
		return "", fmt.Errorf("no email template for purpose %s", purpose)
	}
	body := fmt.Sprintf(tmpl.Body, code)

	if templateName == "SIGNUP" || templateName == "INVITE" {
		if err := d.resend.send(ctx, to, tmpl.Subject, body); err != nil {
			return "resend", err
		}
		return "resend", nil
	}
	if err := d.postmark.send(ctx, to, tmpl.Subject, body); err != nil {
		return "postmark", err
	}
	return "postmark", nil
}

type resendClient struct {
	apiKey     string
	from       string
	httpClient *http.Client
}

func (r *resendClient) send(ctx context.Context, to, subject, body string) error {
	payload := map[string]interface{}{
		"from":    r.from,
		"to":      []string{to},
		"subject": subject,
		"text":    body,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.resend.com/emails", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("resend request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		util.Warn("resend delivery failed",
			util.Int("status", resp.StatusCode),
			util.String("detail", string(detail)))
		return fmt.Errorf("resend delivery failed with status %d", resp.StatusCode)
	}
	return nil
}

type postmarkClient struct {
	token      string
	from       string
	httpClient *http.Client
}

func (p *postmarkClient) send(ctx context.Context, to, subject, body string) error {
	payload := map[string]interface{}{
		"From":          p.from,
		"To":            to,
		"Subject":       subject,
		"TextBody":      body,
		"MessageStream": "outbound",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.postmarkapp.com/email", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		util.Warn("postmark delivery failed",
			util.Int("status", resp.StatusCode),
			util.String("detail", string(detail)))
		return fmt.Errorf("postmark delivery failed with status %d", resp.StatusCode)
	}
	return nil
}
