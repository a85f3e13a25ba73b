package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/logutils"

	"github.com/afnanhaq/yaad/internal/bot"
	"github.com/afnanhaq/yaad/internal/config"
	"github.com/afnanhaq/yaad/internal/database"
	"github.com/afnanhaq/yaad/internal/engine"
	myopenai "github.com/afnanhaq/yaad/internal/openai"
	"github.com/afnanhaq/yaad/internal/scheduler"
	"github.com/afnanhaq/yaad/internal/store"
	"github.com/afnanhaq/yaad/internal/twilio"
)

// retention is how long processed messages and conversation history are kept.
const retention = 7 * 24 * time.Hour

func main() {
	cfg := config.Load()

	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(cfg.LogLevel),
		Writer:   os.Stdout,
	}
	logger := log.New(filter, "[yaad] ", log.LstdFlags)

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("[ERROR] database init failed: %v", err)
	}

	st := store.New(db)
	guard := store.NewGuard(db)
	sched := scheduler.New(cfg.LocalTimezone, logger)

	openAIClient := myopenai.New(cfg.OpenAIAPIKey, cfg.LocalTimezone)
	twilioClient := twilio.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber, cfg.TwilioVoiceNumber)

	eng := engine.New(st, sched, twilioClient, twilioClient, cfg.UserWhatsAppNumber, cfg.UserPhoneNumber, cfg.LocalTimezone, logger)

	// The trigger set is a cache of persisted state; rebuild it before the
	// scheduling loop starts so past-due reminders fire right away.
	if err := eng.RestoreTriggers(); err != nil {
		logger.Fatalf("[ERROR] restore triggers: %v", err)
	}

	if err := sched.AddCron("0 3 * * *", func() {
		cutoff := time.Now().Add(-retention)
		if err := guard.Cleanup(cutoff); err != nil {
			logger.Printf("[WARN] cleanup processed messages: %v", err)
		}
		if err := st.CleanupExchanges(cutoff); err != nil {
			logger.Printf("[WARN] cleanup conversation history: %v", err)
		}
	}); err != nil {
		logger.Fatalf("[ERROR] register housekeeping job: %v", err)
	}
	sched.Start()

	reminderBot := bot.New(cfg, st, guard, eng, sched, openAIClient, twilioClient, logger)
	router := mux.NewRouter()
	reminderBot.Routes(router)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Printf("[INFO] server starting on :%s (timezone %s)", cfg.Port, cfg.LocalTimezone)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("[ERROR] server error: %v", err)
		}
	}()

	waitForShutdown(server, sched, logger)
}

func waitForShutdown(server *http.Server, sched *scheduler.Scheduler, logger *log.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("[INFO] shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("[WARN] server shutdown error: %v", err)
	}
	sched.Stop()
}
