package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archonhq/archon72/pkg/agent"
	"github.com/archonhq/archon72/pkg/api"
	"github.com/archonhq/archon72/pkg/archive"
	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/audit"
	"github.com/archonhq/archon72/pkg/conclave"
	"github.com/archonhq/archon72/pkg/config"
	"github.com/archonhq/archon72/pkg/crypto"
	"github.com/archonhq/archon72/pkg/emission"
	"github.com/archonhq/archon72/pkg/fates"
	"github.com/archonhq/archon72/pkg/halt"
	"github.com/archonhq/archon72/pkg/jobs"
	"github.com/archonhq/archon72/pkg/ledger"
	"github.com/archonhq/archon72/pkg/merkle"
	"github.com/archonhq/archon72/pkg/motion"
	"github.com/archonhq/archon72/pkg/observability"
	"github.com/archonhq/archon72/pkg/projection"

	_ "github.com/lib/pq" // Postgres driver
)

// services holds the wired engine components the HTTP surface serves.
type services struct {
	cfg       *config.Config
	profile   *config.DeliberationProfile
	ledger    ledger.Store
	clerk     *ledger.Clerk
	circuit   *halt.Circuit
	epochs    merkle.EpochStore
	builder   *merkle.Builder
	petitions motion.PetitionStore
	queue     motion.QueueStore
	intake    *motion.Intake
	cosigner  *motion.CoSigner
	bridge    *motion.Bridge
	resolver  *motion.Resolver
	emitter   *emission.Emitter
	fates     *fates.Orchestrator
	fatesDocs fates.Store
	jobQueue  jobs.Queue
	conclave  *conclave.Orchestrator
	exporter  *archive.Exporter
	obs       *observability.Provider
	audit     audit.Logger
}

func runServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	initLogging(cfg.LogLevel)
	log := slog.Default().With("component", "archond")

	profile, err := config.LoadProfile(cfg.ProfileDir, cfg.ProfileName)
	if err != nil {
		log.Warn("profile not loaded, using constitutional defaults",
			"profile", cfg.ProfileName, "error", err)
		profile = config.DefaultProfile()
	}

	svc, db, err := buildServices(ctx, cfg, profile)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	defer func() { _ = svc.obs.Shutdown(context.Background()) }()

	worker := buildWorker(db, svc)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("job worker stopped", "error", err)
		}
	}()
	go runProjections(ctx, db, svc.ledger, log)
	go runEpochBuilder(ctx, svc, profile, log)

	mux := http.NewServeMux()
	registerRoutes(mux, svc)
	limiter := api.NewGlobalRateLimiter(50, 100)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      limiter.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("archond listening",
		"port", cfg.Port, "profile", profile.Name, "epoch_size", profile.Ledger.EpochSize)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func buildServices(ctx context.Context, cfg *config.Config, profile *config.DeliberationProfile) (*services, *sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, err
	}

	eventStore := ledger.NewPostgresStore(db)
	haltStore := halt.NewPostgresStore(db)
	epochStore := merkle.NewPostgresEpochStore(db)
	petitionStore := motion.NewPostgresPetitionStore(db)
	rateStore := motion.NewPostgresRateStore(db)
	queueStore := motion.NewPostgresQueueStore(db)
	fatesStore := fates.NewPostgresStore(db)
	jobQueue := jobs.NewPostgresQueue(db, jobs.DefaultRetryPolicy())
	for _, init := range []func(context.Context) error{
		eventStore.Init, haltStore.Init, epochStore.Init,
		petitionStore.Init, fatesStore.Init, jobQueue.Init,
	} {
		if err := init(ctx); err != nil {
			return nil, nil, err
		}
	}

	keys := crypto.NewMemoryKeyRegistry()
	signer, err := crypto.NewEd25519Signer("")
	if err != nil {
		return nil, nil, err
	}
	keyID, err := keys.Register(ctx, "SYSTEM:clerk", signer.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	witness, err := crypto.NewEd25519Signer("")
	if err != nil {
		return nil, nil, err
	}
	if _, err := keys.Register(ctx, "WITNESS:recorder", witness.PublicKey()); err != nil {
		return nil, nil, err
	}

	l := ledger.New(eventStore, keys)
	clerk := ledger.NewClerk(l, "SYSTEM:clerk", signer, keyID, "WITNESS:recorder", witness)
	emitter := emission.New(clerk)

	circuitOpts := []halt.CircuitOption{
		halt.WithRecorder(clerk),
		halt.WithCacheTTL(cfg.HaltCacheTTL),
	}
	if validator, err := ceremonyValidatorFromEnv(); err != nil {
		return nil, nil, err
	} else if validator != nil {
		circuitOpts = append(circuitOpts, halt.WithCeremonyValidator(validator))
	}
	circuit := halt.NewCircuit(haltStore, circuitOpts...)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "archon72-governor",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
		Insecure:       os.Getenv("OTEL_INSECURE") == "true",
	})
	if err != nil {
		return nil, nil, err
	}

	roster := archon.NewRoster()
	invoker := agent.NewRetryingInvoker(
		agent.NewHTTPInvoker(cfg.AgentEndpoint, agent.WithAPIKey(os.Getenv("AGENT_API_KEY"))))

	intake, err := motion.NewIntake(circuit, rateStore, petitionStore, emitter,
		motion.WithIntakeConfig(motion.IntakeConfig{
			RateLimit:    profile.Intake.RateLimit,
			RateWindow:   profile.Intake.RateWindow.Std(),
			CapacityHigh: profile.Intake.CapacityHigh,
			CapacityLow:  profile.Intake.CapacityLow,
		}))
	if err != nil {
		return nil, nil, err
	}

	guard, err := sybilGuardFromEnv(cfg, profile)
	if err != nil {
		return nil, nil, err
	}
	cosigner := motion.NewCoSigner(petitionStore, guard, emitter,
		motion.WithCoSignThreshold(profile.Intake.CoSignThreshold),
		motion.WithCoSignThresholds(profile.Intake.CoSignThresholds))
	// The Postgres petition store doubles as the adoption store so the
	// state flip and the motion enqueue commit in one transaction.
	bridge := motion.NewBridge(petitionStore, petitionStore, roster, clerk)
	resolver := motion.NewResolver(petitionStore, emitter, clerk, jobQueue,
		motion.WithReferralCycle(profile.Fates.ReferralCycle.Std()))

	fatesOrch := fates.NewOrchestrator(fatesStore, invoker, clerk, jobQueue, circuit,
		roster.ByRank(archon.RankMarquis),
		fates.WithPetitionNotifier(resolver),
		fates.WithConfig(fates.Config{
			MaxLoad:            profile.Fates.MaxLoad,
			Timeout:            profile.Fates.Timeout.Std(),
			CrossExamineRounds: 1,
			MaxVoteRounds:      profile.Fates.MaxVoteRounds,
		}))

	conclaveOrch, err := conclave.NewOrchestrator(conclave.NewMemoryStore(), invoker, clerk, circuit, roster,
		conclave.WithConfig(conclave.Config{
			DebateRounds:             profile.Conclave.DebateRounds,
			ContextWindow:            profile.Conclave.ContextWindow,
			RedTeamThreshold:         profile.Conclave.RedTeamThreshold,
			RedTeamSize:              profile.Conclave.RedTeamSize,
			VotingConcurrency:        profile.Conclave.VotingConcurrency,
			SupermajorityNum:         profile.Conclave.SupermajorityNum,
			SupermajorityDen:         profile.Conclave.SupermajorityDen,
			ProceduralSimpleMajority: true,
			SecondAskLimit:           5,
		}))
	if err != nil {
		return nil, nil, err
	}

	blobs, err := archive.NewBlobStoreFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}

	epochAlg := merkle.AlgBLAKE3
	if profile.Ledger.HashAlgo == "sha256" {
		epochAlg = merkle.AlgSHA256
	}
	builder := merkle.NewBuilder(eventStore, epochStore, clerk, epochAlg)

	return &services{
		cfg:       cfg,
		profile:   profile,
		ledger:    eventStore,
		clerk:     clerk,
		circuit:   circuit,
		epochs:    epochStore,
		builder:   builder,
		petitions: petitionStore,
		queue:     queueStore,
		intake:    intake,
		cosigner:  cosigner,
		bridge:    bridge,
		resolver:  resolver,
		emitter:   emitter,
		fates:     fatesOrch,
		fatesDocs: fatesStore,
		jobQueue:  jobQueue,
		conclave:  conclaveOrch,
		exporter:  archive.NewExporter(eventStore, epochStore, blobs),
		obs:       obs,
		audit:     audit.NewLogger(),
	}, db, nil
}

// ceremonyValidatorFromEnv reads the operator public key for halt
// restore ceremonies. Without it the circuit refuses restores, which
// is the safe posture for an unconfigured deployment.
func ceremonyValidatorFromEnv() (*halt.CeremonyValidator, error) {
	raw := os.Getenv("HALT_CEREMONY_PUBKEY")
	if raw == "" {
		return nil, nil
	}
	keyBytes, err := hex.DecodeString(raw)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("HALT_CEREMONY_PUBKEY must be a %d-byte hex ed25519 public key", ed25519.PublicKeySize)
	}
	return halt.NewCeremonyValidator(ed25519.PublicKey(keyBytes)), nil
}

func sybilGuardFromEnv(cfg *config.Config, profile *config.DeliberationProfile) (motion.SybilGuard, error) {
	if os.Getenv("REDIS_DISABLED") == "true" {
		return motion.NewMemorySybilGuard(profile.Intake.RateLimit, profile.Intake.RateWindow.Std()), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return motion.NewRedisSybilGuard(redis.NewClient(opts), profile.Intake.RateLimit, profile.Intake.RateWindow.Std()), nil
}

func buildWorker(db *sql.DB, svc *services) *jobs.Worker {
	worker := jobs.NewWorker(svc.jobQueue, jobs.WithHaltGate(svc.circuit))
	worker.Register(jobs.TypeDeliberationTimeout,
		fates.TimeoutHandler(svc.fatesDocs, svc.clerk, svc.resolver, nil))
	worker.Register(jobs.TypeRateCounterTTL,
		motion.RateCounterTTLHandler(motion.NewPostgresRateStore(db), 7*24*time.Hour))
	worker.Register(jobs.TypeEscalationCheck,
		motion.EscalationCheckHandler(svc.petitions, svc.emitter, motion.EscalationThresholds{
			Default: svc.profile.Intake.CoSignThreshold,
			PerType: svc.profile.Intake.CoSignThresholds,
		}))
	worker.Register(jobs.TypeReferralTimeout,
		motion.ReferralTimeoutHandler(svc.petitions, svc.clerk, svc.jobQueue,
			svc.profile.Fates.ReferralCycle.Std(), svc.profile.Fates.ReferralMaxExtensions))
	worker.Register(jobs.TypeAdjournReconcile,
		conclave.AdjournReconcileHandler(svc.conclave, svc.jobQueue, time.Minute))
	return worker
}

// runProjections initializes the read models and catches them up on a
// fixed cadence. Locking inside the runner keeps replicas from
// applying the same event twice.
func runProjections(ctx context.Context, db *sql.DB, source ledger.Store, log *slog.Logger) {
	runner := projection.NewRunner(db, source)
	projections := projection.All()
	if err := runner.Init(ctx, projections...); err != nil {
		log.Error("projection init failed", "error", err)
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range projections {
				if _, err := runner.CatchUp(ctx, p, 256); err != nil {
					log.Warn("projection catch-up failed", "projection", p.Name(), "error", err)
				}
			}
		}
	}
}

// runEpochBuilder seals an epoch whenever enough events accumulate.
func runEpochBuilder(ctx context.Context, svc *services, profile *config.DeliberationProfile, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch, err := svc.builder.BuildNextEpoch(ctx, uint64(profile.Ledger.EpochSize))
			if err != nil {
				log.Warn("epoch build failed", "error", err)
				continue
			}
			if epoch.EventCount > 0 {
				log.Info("epoch sealed",
					"epoch", epoch.EpochID, "events", epoch.EventCount, "root", epoch.RootHash)
			}
		}
	}
}

func registerRoutes(mux *http.ServeMux, svc *services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		state, err := svc.circuit.Status(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		terminated, err := svc.ledger.IsTerminated(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"status":     "ok",
			"halted":     state.IsHalted,
			"terminated": terminated,
		})
	})

	mux.HandleFunc("POST /api/v1/petitions", func(w http.ResponseWriter, r *http.Request) {
		var sub motion.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		ctx := audit.WithActor(r.Context(), sub.SubmitterID, "")
		ctx, done := svc.obs.TrackOperation(ctx, observability.OpPetitionIntake)
		p, err := svc.intake.Submit(ctx, sub)
		done(err)
		if err != nil {
			writePetitionError(w, err)
			return
		}
		_ = svc.audit.Record(ctx, audit.EventGovernance, "petition.received", "petition/"+p.PetitionID, nil)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, p)
	})

	mux.HandleFunc("GET /api/v1/petitions/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.petitions.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, motion.ErrPetitionNotFound) {
			api.WriteNotFound(w, "petition not found")
			return
		}
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, p)
	})

	mux.HandleFunc("POST /api/v1/petitions/{id}/cosign", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SignerID string `json:"signer_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SignerID == "" {
			api.WriteBadRequest(w, "signer_id is required")
			return
		}
		count, err := svc.cosigner.CoSign(audit.WithActor(r.Context(), body.SignerID, ""),
			r.PathValue("id"), body.SignerID)
		if err != nil {
			writePetitionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"petition_id": r.PathValue("id"), "cosign_count": count})
	})

	mux.HandleFunc("POST /api/v1/petitions/{id}/deliberate", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.petitions.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, motion.ErrPetitionNotFound) {
			api.WriteNotFound(w, "petition not found")
			return
		}
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		ctx, done := svc.obs.TrackOperation(r.Context(), observability.OpFatesDeliberation,
			observability.AttrPetitionID.String(p.PetitionID))
		session, err := svc.fates.Run(ctx, fates.Petition{
			PetitionID:  p.PetitionID,
			Text:        p.Text,
			ContentHash: p.ContentHash,
		})
		done(err)
		if err != nil {
			writePetitionError(w, err)
			return
		}
		writeJSON(w, session)
	})

	mux.HandleFunc("POST /api/v1/petitions/{id}/adopt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KingID string `json:"king_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.KingID == "" {
			api.WriteBadRequest(w, "king_id is required")
			return
		}
		qm, err := svc.bridge.Adopt(audit.WithActor(r.Context(), body.KingID, "executive"),
			r.PathValue("id"), body.KingID)
		if err != nil {
			switch {
			case errors.Is(err, motion.ErrNotEscalated):
				api.WriteConflict(w, err.Error())
			case errors.Is(err, motion.ErrPetitionNotFound):
				api.WriteNotFound(w, "petition not found")
			case strings.Contains(err.Error(), "only a King"):
				api.WriteForbidden(w, err.Error())
			default:
				api.WriteInternal(w, err)
			}
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, qm)
	})

	mux.HandleFunc("POST /api/v1/conclave/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MinConsensus string `json:"min_consensus"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		minConsensus := motion.TierSingle
		if body.MinConsensus != "" {
			tier, err := motion.ParseTier(body.MinConsensus)
			if err != nil {
				api.WriteBadRequest(w, err.Error())
				return
			}
			minConsensus = tier
		}

		queued, err := svc.queue.SelectForConclave(r.Context(),
			svc.profile.Conclave.MotionsPerSession, minConsensus, time.Now().UTC())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		if len(queued) == 0 {
			api.WriteNotFound(w, "no queued motions")
			return
		}

		motions := make([]conclave.Motion, 0, len(queued))
		for _, qm := range queued {
			motions = append(motions, conclave.Motion{
				MotionID:   qm.QueueID,
				Kind:       conclave.MotionKind(qm.Kind),
				Title:      qm.Title,
				Text:       qm.Text,
				ProposedBy: qm.ProposedBy,
			})
		}

		ctx, done := svc.obs.TrackOperation(r.Context(), observability.OpConclaveSitting)
		session, err := svc.conclave.Run(ctx, motions)
		done(err)
		if err != nil {
			if errors.Is(err, ledger.ErrHalted) {
				// The parked session resumes via the job queue once the
				// circuit is restored.
				if session.SessionID != "" {
					_, _ = svc.jobQueue.Enqueue(r.Context(), jobs.TypeAdjournReconcile,
						map[string]string{"session_id": session.SessionID},
						time.Now().UTC().Add(time.Minute))
				}
				api.WriteServiceUnavailable(w, "system halted; sitting parked")
				return
			}
			api.WriteInternal(w, err)
			return
		}

		for _, qm := range queued {
			if err := svc.queue.MarkVoted(r.Context(), qm.QueueID); err != nil {
				api.WriteInternal(w, err)
				return
			}
		}
		writeJSON(w, session)
	})

	mux.HandleFunc("GET /api/v1/halt", func(w http.ResponseWriter, r *http.Request) {
		state, err := svc.circuit.Status(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, state)
	})

	mux.HandleFunc("POST /api/v1/halt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason     string `json:"reason"`
			OperatorID string `json:"operator_id"`
			Severity   string `json:"severity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
			api.WriteBadRequest(w, "reason is required")
			return
		}
		result, err := svc.circuit.TriggerHalt(r.Context(), halt.Trigger{
			Reason:     body.Reason,
			OperatorID: body.OperatorID,
			Severity:   halt.Severity(body.Severity),
		})
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		_ = svc.audit.Record(audit.WithActor(r.Context(), body.OperatorID, ""),
			audit.EventSystem, "halt.triggered", "halt/"+result.HaltID,
			map[string]interface{}{"reason": body.Reason})
		writeJSON(w, result)
	})

	mux.HandleFunc("POST /api/v1/halt/restore", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CeremonyToken string `json:"ceremony_token"`
			Reason        string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CeremonyToken == "" {
			api.WriteBadRequest(w, "ceremony_token is required")
			return
		}
		state, err := svc.circuit.Restore(r.Context(), body.CeremonyToken, body.Reason)
		if err != nil {
			api.WriteForbidden(w, err.Error())
			return
		}
		writeJSON(w, state)
	})

	mux.HandleFunc("GET /api/v1/ledger/head", func(w http.ResponseWriter, r *http.Request) {
		head, err := svc.ledger.Head(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		if head == nil {
			api.WriteNotFound(w, "ledger is empty")
			return
		}
		writeJSON(w, head)
	})

	mux.HandleFunc("GET /api/v1/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := rangeParams(w, r)
		if !ok {
			return
		}
		report, err := ledger.VerifyChain(r.Context(), svc.ledger, from, to)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, report)
	})

	mux.HandleFunc("GET /api/v1/ledger/export", func(w http.ResponseWriter, r *http.Request) {
		since, err := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
		if err != nil {
			api.WriteBadRequest(w, "since must be a sequence number")
			return
		}
		limit := uint64(256)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.ParseUint(raw, 10, 64)
			if err != nil || limit == 0 || limit > 1000 {
				api.WriteBadRequest(w, "limit must be in [1, 1000]")
				return
			}
		}
		events, err := svc.ledger.ReadRange(r.Context(), since+1, since+limit)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		next := since
		if n := len(events); n > 0 {
			next = events[n-1].Sequence
		}
		writeJSON(w, map[string]any{"events": events, "next_since": next})
	})

	mux.HandleFunc("GET /api/v1/ledger/proof/{event_id}", func(w http.ResponseWriter, r *http.Request) {
		proof, err := svc.builder.ProofOfInclusion(r.Context(), r.PathValue("event_id"))
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				api.WriteNotFound(w, "event not found")
			case errors.Is(err, merkle.ErrNotCovered):
				api.WriteConflict(w, "event not yet covered by a sealed epoch")
			default:
				api.WriteInternal(w, err)
			}
			return
		}
		writeJSON(w, proof)
	})

	mux.HandleFunc("POST /api/v1/ledger/proof/verify", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EventHash string             `json:"event_hash"`
			Path      []merkle.ProofStep `json:"path"`
			Root      string             `json:"root"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EventHash == "" || body.Root == "" {
			api.WriteBadRequest(w, "event_hash, path and root are required")
			return
		}
		verified, err := merkle.VerifyProof(body.EventHash, body.Path, body.Root)
		if err != nil {
			api.WriteBadRequest(w, err.Error())
			return
		}
		writeJSON(w, map[string]any{"verified": verified})
	})

	mux.HandleFunc("GET /api/v1/epochs/latest", func(w http.ResponseWriter, r *http.Request) {
		epoch, err := svc.epochs.Last(r.Context())
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		if epoch == nil {
			api.WriteNotFound(w, "no epochs sealed yet")
			return
		}
		writeJSON(w, epoch)
	})

	mux.HandleFunc("POST /api/v1/export", func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := rangeParams(w, r)
		if !ok {
			return
		}
		manifest, err := svc.exporter.ExportRange(r.Context(), from, to)
		if err != nil {
			if errors.Is(err, archive.ErrEmptyRange) {
				api.WriteNotFound(w, "no events in range")
				return
			}
			api.WriteInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, manifest)
	})
}

func writePetitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, motion.ErrSchemaViolation):
		api.WriteUnprocessable(w, err.Error())
	case errors.Is(err, ledger.ErrHalted):
		api.WriteServiceUnavailable(w, "system halted; intake refused")
	case errors.Is(err, motion.ErrRateLimited):
		api.WriteTooManyRequests(w, 60)
	case errors.Is(err, motion.ErrAtCapacity):
		api.WriteServiceUnavailable(w, "petition intake at capacity")
	case errors.Is(err, motion.ErrDuplicatePetition), errors.Is(err, motion.ErrAlreadyCosigned):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, motion.ErrPetitionNotFound):
		api.WriteNotFound(w, "petition not found")
	default:
		api.WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func rangeParams(w http.ResponseWriter, r *http.Request) (from, to uint64, ok bool) {
	from, errFrom := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	to, errTo := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if errFrom != nil || errTo != nil || from == 0 || to < from {
		api.WriteBadRequest(w, "from and to must be a valid sequence range")
		return 0, 0, false
	}
	return from, to, true
}
