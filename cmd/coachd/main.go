package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pulseloop/coach/internal/achievements"
	"github.com/pulseloop/coach/internal/bus"
	"github.com/pulseloop/coach/internal/clock"
	"github.com/pulseloop/coach/internal/config"
	"github.com/pulseloop/coach/internal/decision"
	"github.com/pulseloop/coach/internal/embedding"
	"github.com/pulseloop/coach/internal/engagement"
	"github.com/pulseloop/coach/internal/events"
	"github.com/pulseloop/coach/internal/generator"
	"github.com/pulseloop/coach/internal/llm"
	"github.com/pulseloop/coach/internal/memory"
	"github.com/pulseloop/coach/internal/metrics"
	"github.com/pulseloop/coach/internal/scheduler"
	"github.com/pulseloop/coach/internal/store"
	"github.com/pulseloop/coach/internal/sysload"
	"github.com/pulseloop/coach/internal/types"
)

func main() {
	log.Println("coachd - notification & memory core")
	log.Println("====================================")

	// Load .env file (optional - won't error if missing)
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, using environment variables")
	} else {
		log.Println("[config] Loaded .env file")
	}

	cfg, err := config.Load(os.Getenv("COACH_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if p := os.Getenv("STATE_PATH"); p != "" {
		cfg.StatePath = p
	}
	if u := os.Getenv("OLLAMA_URL"); u != "" {
		cfg.LLMBaseURL = u
	}
	pushEndpoint := os.Getenv("PUSH_GATEWAY_URL")

	// Ensure state directory exists
	os.MkdirAll(cfg.StatePath, 0755)

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	clk := clock.NewReal()
	registry := metrics.NewRegistry()
	eventBus := bus.New()

	// LLM stack: one bounded provider shared by every consumer.
	provider := llm.NewPooled(llm.NewOllama(cfg.LLMBaseURL, cfg.LLMModel), cfg.LLMMaxConcurrent, cfg.LLMTimeout())
	embedder := embedding.NewClient(cfg.LLMBaseURL, cfg.EmbeddingModel)

	// Memory: file-backed short-term buffer plus the vector-backed long term.
	buffer := memory.NewBuffer(cfg.StatePath, cfg.ShortTermCheckinCap, cfg.ShortTermDialogueCap)
	if err := buffer.Load(); err != nil {
		log.Printf("Warning: failed to load short-term buffer: %v", err)
	}
	mem := memory.NewManager(buffer, db, embedder, provider, clk, memory.ManagerConfig{
		SummaryTriggerDialogueCount: cfg.SummaryTriggerDialogueCount,
		RetentionDaysCheckin:        cfg.RetentionDaysCheckin,
		RetentionDaysDialogue:       cfg.RetentionDaysDialogue,
		ContextCharBudget:           cfg.ContextCharBudget,
	})

	ttls := make(map[types.EventKind]time.Duration)
	for kind, hours := range cfg.EventTTLHours {
		ttls[kind] = time.Duration(hours) * time.Hour
	}
	detector := events.NewDetector(buffer, provider, clk, ttls)

	tracker := engagement.NewTracker(cfg.StatePath, clk, cfg.EngagementWeights)
	if err := tracker.Load(); err != nil {
		log.Printf("Warning: failed to load engagement state: %v", err)
	}

	engine := decision.NewEngine(db, tracker, detector, cfg, clk, registry, decision.NewLLMScorer(provider))
	gen := generator.New(provider, mem, detector, registry)
	evaluator := achievements.NewEvaluator(db, eventBus, clk, registry)

	guard := sysload.NewGuard(0)

	sched := scheduler.New(db, engine, gen, tracker, eventBus, clk, cfg, registry, guard,
		[]scheduler.ChannelAdapter{
			scheduler.NewChatAdapter(mem, clk),
			scheduler.NewPushAdapter(pushEndpoint),
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go guard.Run(ctx, 10*time.Second)
	go consumeBus(ctx, eventBus, db, mem, tracker, detector, evaluator)

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	log.Println("[main] All subsystems started. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[main] Shutting down...")
	cancel()

	select {
	case err := <-schedDone:
		if err != nil {
			log.Printf("Warning: scheduler exited with error: %v", err)
		}
	case <-time.After(time.Duration(cfg.ShutdownGraceSecs) * time.Second):
		log.Println("Warning: scheduler did not stop within grace period")
	}

	// Persist state
	if err := buffer.Save(); err != nil {
		log.Printf("Warning: failed to save short-term buffer: %v", err)
	}
	if err := tracker.Save(); err != nil {
		log.Printf("Warning: failed to save engagement state: %v", err)
	}

	log.Println("[main] Goodbye!")
}

// consumeBus fans bus events into the components that react to them: check-ins
// feed engagement and earn the daily login bonus; records feed memory,
// engagement and the achievement evaluator; dialogue feeds memory and context
// detection; the day rollover re-evaluates time-based achievements.
func consumeBus(ctx context.Context, b *bus.Bus, db *store.DB, mem *memory.Manager, tracker *engagement.Tracker, detector *events.Detector, evaluator *achievements.Evaluator) {
	eventsCh, unsub := b.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindUserCheckin:
				tracker.RecordLogin(ev.UserID, ev.Timestamp)
				evaluator.OnDailyCheckin(ev.UserID)

			case bus.KindRecordCreated:
				if ev.Record == nil {
					continue
				}
				tracker.RecordActivity(ev.UserID, ev.Timestamp)
				if err := mem.AddCheckin(ctx, ev.Record); err != nil {
					log.Printf("[main] check-in memory write failed: %v", err)
				}
				evaluator.OnRecordCreated(ev.Record)

			case bus.KindDialogueMessage:
				if ev.Dialogue == nil {
					continue
				}
				if err := mem.AddDialogue(ctx, *ev.Dialogue); err != nil {
					log.Printf("[main] dialogue memory write failed: %v", err)
				}
				if ev.Dialogue.Role == types.RoleUser {
					mode := types.ModeBalanced
					if profile, err := db.GetProfile(ev.UserID); err == nil && profile.DecisionMode != "" {
						mode = profile.DecisionMode
					}
					detector.Detect(ctx, ev.UserID, mode)
				}

			case bus.KindDayRollover:
				evaluator.OnDailyRollover(ev.UserID)
			}
		}
	}
}
