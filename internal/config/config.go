package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port                 string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string
	TwilioVoiceNumber    string
	UserWhatsAppNumber   string
	UserPhoneNumber      string
	OpenAIAPIKey         string
	DatabaseURL          string
	PublicBaseURL        string
	ValidateSignature    bool
	LogLevel             string
	LocalTimezone        *time.Location
}

// Load reads configuration values and prepares defaults where applicable.
func Load() *Config {
	_ = godotenv.Load()

	timezoneName := getenvDefault("LOCAL_TIMEZONE", "Asia/Karachi")
	location, err := time.LoadLocation(timezoneName)
	if err != nil {
		log.Printf("config: invalid LOCAL_TIMEZONE %q, defaulting to system local: %v", timezoneName, err)
		location = time.Local
	}

	return &Config{
		Port:                 getenvDefault("PORT", "8080"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppNumber: os.Getenv("TWILIO_WHATSAPP_NUMBER"),
		TwilioVoiceNumber:    os.Getenv("TWILIO_VOICE_NUMBER"),
		UserWhatsAppNumber:   os.Getenv("USER_WHATSAPP_NUMBER"),
		UserPhoneNumber:      os.Getenv("USER_PHONE_NUMBER"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PublicBaseURL:        os.Getenv("PUBLIC_BASE_URL"),
		ValidateSignature:    ParseBoolEnv("VALIDATE_TWILIO_SIGNATURE", true),
		LogLevel:             getenvDefault("LOG_LEVEL", "INFO"),
		LocalTimezone:        location,
	}
}

func getenvDefault(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

// ParseBoolEnv returns the boolean value for an environment variable or the
// provided default.
func ParseBoolEnv(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("config: unable to parse %s=%q as bool: %v", key, value, err)
		return def
	}
	return parsed
}
