// Package bot is the transport edge: it receives Twilio webhooks, runs the
// idempotency guard, turns messages (text or voice note) into intents and
// hands them to the engine.
package bot

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/afnanhaq/yaad/internal/config"
	"github.com/afnanhaq/yaad/internal/engine"
	myopenai "github.com/afnanhaq/yaad/internal/openai"
	"github.com/afnanhaq/yaad/internal/scheduler"
	"github.com/afnanhaq/yaad/internal/store"
	"github.com/afnanhaq/yaad/internal/twilio"
)

// historyDepth is how many prior exchanges are fed to the intent parser.
const historyDepth = 6

// Bot wires the webhook to the guard, parser and engine.
type Bot struct {
	cfg    *config.Config
	store  *store.Store
	guard  *store.Guard
	engine *engine.Engine
	sched  *scheduler.Scheduler
	openAI *myopenai.Client
	twilio *twilio.Client
	logger *log.Logger
	media  *http.Client

	// inflight serialises deliveries per message SID so a duplicate arriving
	// while the original is still being processed waits for its reply instead
	// of replaying an empty one.
	inflight *engine.KeyedMutex
}

// New creates a fully configured Bot instance.
func New(cfg *config.Config, st *store.Store, guard *store.Guard, eng *engine.Engine, sched *scheduler.Scheduler, openAI *myopenai.Client, twilioClient *twilio.Client, logger *log.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		store:    st,
		guard:    guard,
		engine:   eng,
		sched:    sched,
		openAI:   openAI,
		twilio:   twilioClient,
		logger:   logger,
		media:    &http.Client{Timeout: 30 * time.Second},
		inflight: engine.NewKeyedMutex(),
	}
}

// Routes registers all HTTP endpoints on the router.
func (b *Bot) Routes(r *mux.Router) {
	r.HandleFunc("/webhook/whatsapp", b.handleIncomingMessage).Methods(http.MethodPost)
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/status", b.handleSchedulerStatus).Methods(http.MethodGet)
	r.HandleFunc("/", b.handleRoot).Methods(http.MethodGet)
}

// handleIncomingMessage processes Twilio webhook POST requests.
func (b *Bot) handleIncomingMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		b.logger.Printf("[WARN] webhook: parse form: %v", err)
		b.writeTwilioResponse(w, "Sorry, I couldn't understand that request.")
		return
	}

	if b.cfg.ValidateSignature && !b.validateSignature(r) {
		b.logger.Printf("[WARN] webhook: invalid Twilio signature for %s", r.FormValue("MessageSid"))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	messageSID := r.FormValue("MessageSid")
	from := r.FormValue("From")
	body := strings.TrimSpace(r.FormValue("Body"))

	if messageSID == "" || from == "" {
		b.writeTwilioResponse(w, "I need a message to work with. Please try again.")
		return
	}

	// Idempotency: duplicate deliveries replay the original reply without
	// reapplying the command. The per-SID lock is held until the reply is
	// recorded, so an in-flight duplicate blocks here and then finds it.
	unlock := b.inflight.Lock(messageSID)
	defer unlock()

	admitted, previous, err := b.guard.Admit(messageSID)
	if err != nil {
		b.logger.Printf("[ERROR] webhook: admit %s: %v", messageSID, err)
		b.writeTwilioResponse(w, "Sorry, something went wrong. Please try again.")
		return
	}
	if !admitted {
		b.logger.Printf("[INFO] webhook: duplicate message %s, replaying previous reply", messageSID)
		b.writeTwilioResponse(w, previous)
		return
	}

	reply := b.process(r, body)

	if err := b.guard.RecordResponse(messageSID, reply); err != nil {
		b.logger.Printf("[WARN] webhook: record response for %s: %v", messageSID, err)
	}
	b.writeTwilioResponse(w, reply)
}

// process turns the admitted message into a reply. Every path returns
// something sendable; failures become apologetic replies, never 5xx.
func (b *Bot) process(r *http.Request, body string) string {
	text := body

	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	mediaType := r.FormValue("MediaContentType0")
	if numMedia > 0 && strings.Contains(strings.ToLower(mediaType), "audio") {
		transcribed, err := b.transcribeMedia(r, mediaType)
		if err != nil {
			b.logger.Printf("[WARN] webhook: transcribe: %v", err)
			return "I couldn't understand your voice message. Please try again or send a text message."
		}
		b.logger.Printf("[INFO] webhook: transcribed voice note: %s", transcribed)
		text = transcribed
	}

	if text == "" {
		return "I need a message to work with. Please try again."
	}

	history := b.recentHistory()
	intent, err := b.openAI.ParseIntent(r.Context(), text, history)
	if err != nil {
		b.logger.Printf("[WARN] webhook: parse intent: %v", err)
		return "I'm having trouble understanding that right now. Please try again in a moment."
	}
	reply := b.engine.HandleIntent(intent)

	if err := b.store.SaveExchange(text, reply); err != nil {
		b.logger.Printf("[WARN] webhook: save exchange: %v", err)
	}
	return reply
}

func (b *Bot) recentHistory() []myopenai.Exchange {
	messages, err := b.store.RecentExchanges(historyDepth)
	if err != nil {
		b.logger.Printf("[WARN] webhook: load history: %v", err)
		return nil
	}
	history := make([]myopenai.Exchange, 0, len(messages))
	for _, m := range messages {
		history = append(history, myopenai.Exchange{User: m.UserMessage, Bot: m.BotResponse})
	}
	return history
}

// transcribeMedia downloads the first media item and runs it through
// speech-to-text. Twilio media URLs require basic auth.
func (b *Bot) transcribeMedia(r *http.Request, contentType string) (string, error) {
	mediaURL := r.FormValue("MediaUrl0")
	if mediaURL == "" {
		return "", fmt.Errorf("no media URL in webhook payload")
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(b.cfg.TwilioAccountSID, b.cfg.TwilioAuthToken)

	resp, err := b.media.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}

	text, err := b.openAI.Transcribe(r.Context(), bytes.NewReader(audio), "voice-note"+extensionFor(contentType), contentType)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("empty transcription")
	}
	return text, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return ".mp3"
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "mp4"):
		return ".mp4"
	default:
		return ".ogg"
	}
}

func (b *Bot) validateSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}

	requestURL := b.cfg.PublicBaseURL
	if requestURL != "" {
		requestURL = strings.TrimSuffix(requestURL, "/") + r.URL.Path
	} else {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		requestURL = scheme + "://" + r.Host + r.URL.RequestURI()
	}

	return b.twilio.ValidateSignature(requestURL, DecodeTwilioForm(r.PostForm), signature)
}

func (b *Bot) writeTwilioResponse(w http.ResponseWriter, message string) {
	twiml := struct {
		XMLName xml.Name `xml:"Response"`
		Message string   `xml:"Message,omitempty"`
	}{
		Message: message,
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := xml.NewEncoder(w).Encode(twiml); err != nil {
		b.logger.Printf("[WARN] webhook: encode TwiML: %v", err)
	}
}

func (b *Bot) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "service": "yaad"})
}

func (b *Bot) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"name":    "yaad",
		"status":  "running",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"webhook": "/webhook/whatsapp",
			"health":  "/health",
			"status":  "/scheduler/status",
		},
	})
}

// handleSchedulerStatus exposes the pending trigger set for diagnostics.
func (b *Bot) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	pending := b.sched.PendingTriggers()
	writeJSON(w, map[string]any{
		"triggers_count": len(pending),
		"triggers":       pending,
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeTwilioForm extracts the POST form data into a map for convenience.
func DecodeTwilioForm(values url.Values) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if len(value) > 0 {
			result[key] = value[0]
		}
	}
	return result
}
