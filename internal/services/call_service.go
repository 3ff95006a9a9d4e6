package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/cache"
	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
	"github.com/relayvox/relayvox/internal/providers/llm"
	"github.com/relayvox/relayvox/internal/relay"
	mongorepo "github.com/relayvox/relayvox/internal/repositories/mongo"
	"github.com/relayvox/relayvox/internal/safety"
	"github.com/relayvox/relayvox/internal/utils"
)

const (
	// FinalizeStream carries finished call records to the persistence worker.
	FinalizeStream = "call:finalize"

	snapshotTTL = 24 * time.Hour
)

// EventsChannel is the redis pub/sub channel carrying one call's
// client-bound messages.
func EventsChannel(callID string) string {
	return "call:" + callID + ":events"
}

func snapshotKey(callID string) string {
	return "call:" + callID + ":state"
}

type StartCallRequest struct {
	PhoneNumber    string             `json:"phone_number"`
	SourceLanguage string             `json:"source_language"`
	TargetLanguage string             `json:"target_language"`
	Mode           models.CallMode    `json:"mode"`
	Context        models.CallContext `json:"context"`
}

type CallService interface {
	Start(ctx context.Context, userID string, req StartCallRequest) (*models.CallSession, error)
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	End(ctx context.Context, callID string) error
	Bridge(callID string) (*relay.Bridge, error)
	Active() []models.CallSession
	History(ctx context.Context, userID string, limit int64) ([]models.CallRecord, error)
}

// EngineSettings is the shared engine endpoint configuration; per-call
// language/prompt fields are filled in at Start.
type EngineSettings struct {
	URL    string
	APIKey string
	Model  string
	VoiceA string
	VoiceB string
}

type CallServiceConfig struct {
	Engines EngineSettings
	Bridge  relay.BridgeConfig
	Safety  safety.Config
}

type callService struct {
	cfg       CallServiceConfig
	rdb       *redis.Client
	cache     cache.Cache
	records   mongorepo.CallRecordRepository
	corrector llm.Provider
	dial      relay.DialFunc
	log       *logrus.Logger

	mu      sync.Mutex
	bridges map[string]*activeCall
}

type activeCall struct {
	bridge *relay.Bridge
}

func NewCallService(
	cfg CallServiceConfig,
	rdb *redis.Client,
	c cache.Cache,
	records mongorepo.CallRecordRepository,
	corrector llm.Provider,
	dial relay.DialFunc,
	log *logrus.Logger,
) CallService {
	return &callService{
		cfg:       cfg,
		rdb:       rdb,
		cache:     c,
		records:   records,
		corrector: corrector,
		dial:      dial,
		log:       log,
		bridges:   make(map[string]*activeCall),
	}
}

func (s *callService) Start(ctx context.Context, userID string, req StartCallRequest) (*models.CallSession, error) {
	const op = "CallService.Start"

	if userID == "" || req.PhoneNumber == "" || req.SourceLanguage == "" || req.TargetLanguage == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op,
			"phone_number, source_language, and target_language are required", nil)
	}
	if req.Mode == "" {
		req.Mode = models.ModeRelay
	}
	if req.Mode != models.ModeRelay && req.Mode != models.ModeAgent {
		return nil, utils.E(utils.CodeInvalidArgument, op, "mode must be relay or agent", nil)
	}

	call := &models.CallSession{
		CallID:         uuid.NewString(),
		UserID:         userID,
		PhoneNumber:    req.PhoneNumber,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Mode:           req.Mode,
		Context:        req.Context,
		Status:         models.StatusPending,
	}
	log := s.log.WithField("call_id", call.CallID)

	events := make(chan relay.Event, 256)
	sessions := relay.NewSessionManager(call, relay.SessionManagerConfig{
		EngineA: s.engineConfig(call, engine.LabelA),
		EngineB: s.engineConfig(call, engine.LabelB),
	}, s.dial, events, log)

	if err := sessions.Connect(ctx); err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "engine session setup failed", err)
	}

	pipeline := safety.NewPipeline(s.cfg.Safety, s.corrector, log)
	publisher := &redisEventPublisher{rdb: s.rdb}

	bridge := relay.NewBridge(call, s.cfg.Bridge, events, sessions,
		relay.NewRetentionBuffer(s.cfg.Bridge.RetentionWindow),
		pipeline, publisher,
		func(status models.CallStatus) { s.finalize(call.CallID, status) },
		log)

	s.mu.Lock()
	s.bridges[call.CallID] = &activeCall{bridge: bridge}
	s.mu.Unlock()

	bridge.Start(context.Background())
	snap := bridge.Snapshot()
	s.snapshot(ctx, &snap)

	pending := &models.CallRecord{
		CallID:         snap.CallID,
		UserID:         snap.UserID,
		Mode:           snap.Mode,
		SourceLanguage: snap.SourceLanguage,
		TargetLanguage: snap.TargetLanguage,
		Status:         snap.Status,
		StartedAt:      snap.StartedAt,
	}
	if err := s.records.Create(ctx, pending); err != nil {
		log.WithError(err).Warn("pending call record write failed")
	}
	return call, nil
}

func (s *callService) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	const op = "CallService.Get"

	if callID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "call_id is required", nil)
	}

	s.mu.Lock()
	ac, ok := s.bridges[callID]
	s.mu.Unlock()
	if ok {
		snap := ac.bridge.Snapshot()
		return &snap, nil
	}

	var cached models.CallSession
	hit, err := s.cache.GetJSON(ctx, snapshotKey(callID), &cached)
	if err != nil {
		s.log.WithError(err).Warn("call snapshot cache read failed")
	}
	if hit {
		return &cached, nil
	}

	rec, err := s.records.GetByCallID(ctx, callID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "call not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get call", err)
	}
	out := &models.CallSession{
		CallID:         rec.CallID,
		UserID:         rec.UserID,
		SourceLanguage: rec.SourceLanguage,
		TargetLanguage: rec.TargetLanguage,
		Mode:           rec.Mode,
		Status:         rec.Status,
		CarrierCallSID: rec.CarrierCallSID,
		StartedAt:      rec.StartedAt,
	}
	return out, nil
}

func (s *callService) End(ctx context.Context, callID string) error {
	const op = "CallService.End"

	s.mu.Lock()
	ac, ok := s.bridges[callID]
	s.mu.Unlock()
	if !ok {
		return utils.E(utils.CodeNotFound, op, "call is not active", nil)
	}
	ac.bridge.End(models.StatusCompleted)
	return nil
}

func (s *callService) Bridge(callID string) (*relay.Bridge, error) {
	s.mu.Lock()
	ac, ok := s.bridges[callID]
	s.mu.Unlock()
	if !ok {
		return nil, utils.E(utils.CodeNotFound, "CallService.Bridge", "call is not active", nil)
	}
	return ac.bridge, nil
}

// Active lists in-flight calls for the admin surface.
func (s *callService) Active() []models.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CallSession, 0, len(s.bridges))
	for _, ac := range s.bridges {
		out = append(out, ac.bridge.Snapshot())
	}
	return out
}

func (s *callService) History(ctx context.Context, userID string, limit int64) ([]models.CallRecord, error) {
	const op = "CallService.History"

	recs, err := s.records.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list call history", err)
	}
	return recs, nil
}

// finalize runs once per call at bridge teardown: drop the registry handle,
// refresh the snapshot, and hand the record to the persistence worker.
func (s *callService) finalize(callID string, status models.CallStatus) {
	s.mu.Lock()
	ac, ok := s.bridges[callID]
	delete(s.bridges, callID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap := ac.bridge.Snapshot()
	s.snapshot(ctx, &snap)

	rec := ac.bridge.Record()
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).WithField("call_id", callID).Error("final record marshal failed")
		return
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: FinalizeStream,
		Values: map[string]any{
			"call_id": callID,
			"record":  string(payload),
		},
	}).Err()
	if err != nil {
		// The stream is the durable path; fall back to a direct write.
		s.log.WithError(err).WithField("call_id", callID).Warn("finalize enqueue failed, writing record directly")
		if err := s.records.Finalize(ctx, &rec); err != nil {
			s.log.WithError(err).WithField("call_id", callID).Error("direct record write failed")
		}
	}
	s.log.WithFields(logrus.Fields{
		"call_id": callID,
		"status":  string(status),
	}).Info("call finalized")
}

func (s *callService) snapshot(ctx context.Context, call *models.CallSession) {
	if err := s.cache.SetJSON(ctx, snapshotKey(call.CallID), call, snapshotTTL); err != nil {
		s.log.WithError(err).Warn("call snapshot cache write failed")
	}
}

func (s *callService) engineConfig(call *models.CallSession, label engine.Label) engine.Config {
	cfg := engine.Config{
		URL:    s.cfg.Engines.URL,
		APIKey: s.cfg.Engines.APIKey,
		Model:  s.cfg.Engines.Model,
	}
	if label == engine.LabelA {
		cfg.SourceLanguage = call.SourceLanguage
		cfg.TargetLanguage = call.TargetLanguage
		cfg.Voice = s.cfg.Engines.VoiceA
		cfg.SystemPrompt = userFacingPrompt(call)
	} else {
		cfg.SourceLanguage = call.TargetLanguage
		cfg.TargetLanguage = call.SourceLanguage
		cfg.Voice = s.cfg.Engines.VoiceB
		cfg.SystemPrompt = recipientFacingPrompt(call)
	}
	return cfg
}

func userFacingPrompt(call *models.CallSession) string {
	if call.Mode == models.ModeAgent {
		var b strings.Builder
		fmt.Fprintf(&b, "You are an AI assistant making a phone call on the user's behalf, speaking %s.\n", call.TargetLanguage)
		if call.Context.RecipientName != "" {
			fmt.Fprintf(&b, "You are calling %s.\n", call.Context.RecipientName)
		}
		if call.Context.Purpose != "" {
			fmt.Fprintf(&b, "Purpose of the call: %s.\n", call.Context.Purpose)
		}
		for k, v := range call.Context.Details {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
		b.WriteString("Be polite, concise, and stay on purpose. If asked something you do not know, say you will check with the user.")
		return b.String()
	}
	return fmt.Sprintf(
		"You are a real-time interpreter. Translate everything the user says from %s into natural, polite spoken %s. Speak only the translation, never commentary.",
		call.SourceLanguage, call.TargetLanguage)
}

func recipientFacingPrompt(call *models.CallSession) string {
	return fmt.Sprintf(
		"You are a real-time interpreter. Translate everything the speaker says from %s into natural spoken %s. Speak only the translation, never commentary.",
		call.TargetLanguage, call.SourceLanguage)
}

// redisEventPublisher fans call events out to the client channel.
type redisEventPublisher struct {
	rdb *redis.Client
}

func (p *redisEventPublisher) Publish(ctx context.Context, callID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, EventsChannel(callID), b).Err()
}
