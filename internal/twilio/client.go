package twilio

import (
	"fmt"
	"strings"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Client wraps the Twilio messaging and voice operations the engine needs.
type Client struct {
	client       *twilio.RestClient
	validator    twilioclient.RequestValidator
	fromWhatsApp string
	fromVoice    string
}

// New creates a Twilio client bound to the configured sender numbers.
func New(accountSID, authToken, fromWhatsApp, fromVoice string) *Client {
	return &Client{
		client:       twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		validator:    twilioclient.NewRequestValidator(authToken),
		fromWhatsApp: fromWhatsApp,
		fromVoice:    fromVoice,
	}
}

// SendWhatsAppMessage sends a WhatsApp message via Twilio's API and returns
// the message SID.
func (c *Client) SendWhatsAppMessage(to, body string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("twilio client not initialised")
	}

	sender := normalizeWhatsAppAddress(c.fromWhatsApp)
	if sender == "" {
		return "", fmt.Errorf("twilio sender WhatsApp number is not configured")
	}

	recipient := normalizeWhatsAppAddress(to)
	if recipient == "" {
		return "", fmt.Errorf("recipient number missing or invalid")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(sender)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio send message error: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio send message: no SID in response")
	}
	return *resp.Sid, nil
}

// PlaceCall rings the user and reads the reminder title aloud. The TwiML is
// passed inline, so no callback endpoint is needed.
func (c *Client) PlaceCall(to, reminderTitle string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("twilio client not initialised")
	}
	if c.fromVoice == "" {
		return "", fmt.Errorf("twilio voice number is not configured")
	}
	if to == "" {
		return "", fmt.Errorf("recipient phone number missing")
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromVoice)
	params.SetTwiml(reminderCallTwiml(reminderTitle))
	params.SetTimeout(30)

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio place call error: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio place call: no SID in response")
	}
	return *resp.Sid, nil
}

// ValidateSignature checks an X-Twilio-Signature header against the request
// URL and form parameters.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

func reminderCallTwiml(title string) string {
	say := fmt.Sprintf(
		"This is your WhatsApp reminder assistant. You have a reminder: %s. Please check your WhatsApp for more details.",
		escapeXML(title),
	)
	again := fmt.Sprintf("Again, your reminder is: %s. Please check your WhatsApp.", escapeXML(title))

	var sb strings.Builder
	sb.WriteString(`<Response>`)
	sb.WriteString(`<Pause length="1"/>`)
	sb.WriteString(`<Say voice="alice" language="en-US">` + say + `</Say>`)
	sb.WriteString(`<Pause length="2"/>`)
	sb.WriteString(`<Say voice="alice" language="en-US">` + again + `</Say>`)
	sb.WriteString(`<Pause length="1"/>`)
	sb.WriteString(`<Say voice="alice" language="en-US">Goodbye.</Say>`)
	sb.WriteString(`</Response>`)
	return sb.String()
}

func escapeXML(text string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(text)
}

func normalizeWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "whatsapp:") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "+") {
		return "whatsapp:" + trimmed
	}
	return "whatsapp:+" + trimmed
}
