package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/models"
	mongorepo "github.com/relayvox/relayvox/internal/repositories/mongo"
	pgrepo "github.com/relayvox/relayvox/internal/repositories/postgres"
)

// RecordWorkerPool drains the finalize stream and persists finished calls:
// the full record to mongo, the transcript rows to postgres.
type RecordWorkerPool struct {
	Redis       *redis.Client
	Records     mongorepo.CallRecordRepository
	Transcripts pgrepo.TranscriptRepo
	NumWorkers  int

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
}

func (p *RecordWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Records == nil || p.Transcripts == nil {
		return errors.New("RecordWorkerPool missing dependency: Redis/Records/Transcripts must be set")
	}
	if p.Stream == "" {
		p.Stream = "call:finalize"
	}
	if p.Group == "" {
		p.Group = "record-workers"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *RecordWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if p.handleMsg(ctx, msg) {
					_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
				}
			}
		}
	}
}

// handleMsg persists one finished call. Returns false to leave the entry
// pending for redelivery.
func (p *RecordWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) bool {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	callID := getStr("call_id")
	raw := getStr("record")
	log := p.Logger.WithFields(logrus.Fields{
		"redis_id": msg.ID,
		"call_id":  callID,
	})
	if callID == "" || raw == "" {
		log.Warn("malformed finalize entry dropped")
		return true
	}

	var rec models.CallRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.WithError(err).Warn("finalize entry decode failed, dropped")
		return true
	}

	if err := p.Records.Finalize(ctx, &rec); err != nil {
		log.WithError(err).Error("call record write failed")
		return false
	}

	if err := p.Transcripts.ReplaceForCall(ctx, rec.CallID, transcriptRows(&rec)); err != nil {
		// The mongo record already carries the transcript; keep the entry
		// pending so the relational projection eventually lands too.
		log.WithError(err).Error("transcript rows write failed")
		return false
	}

	log.WithField("transcript_len", len(rec.Transcript)).Info("call record persisted")
	return true
}

func transcriptRows(rec *models.CallRecord) []models.TranscriptRow {
	rows := make([]models.TranscriptRow, 0, len(rec.Transcript))
	for _, ev := range rec.Transcript {
		rows = append(rows, models.TranscriptRow{
			ID:         uuid.NewString(),
			CallID:     rec.CallID,
			UserID:     rec.UserID,
			Role:       string(ev.Role),
			Text:       ev.Text,
			Translated: ev.Translated,
			Language:   ev.Language,
			Timestamp:  ev.Timestamp,
		})
	}
	return rows
}
