package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
	"go.uber.org/zap"
)

// Sentence is one raw line delivered by a transport adapter.
type Sentence struct {
	SourceID string
	Raw      string
	// LoggedAt is the log-file timestamp of the line; zero means "now".
	LoggedAt time.Time
}

// Outcome describes what routing did with a sentence.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomePaused
	OutcomePending
	OutcomeFragment
	OutcomeStored
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaused:
		return "paused"
	case OutcomePending:
		return "pending"
	case OutcomeFragment:
		return "fragment"
	case OutcomeStored:
		return "stored"
	case OutcomeFailed:
		return "error"
	default:
		return "ignored"
	}
}

// envelope carries the per-message context shared by every handler.
type envelope struct {
	SourceID  string
	Raw       string
	Timestamp time.Time
	OwnShip   bool
	Report    Report
}

// Route decodes one sentence, persists it and dispatches it to its handler.
// Sentences of a paused source are dropped before decoding.
func (s *Service) Route(ctx context.Context, sentence Sentence) (Outcome, error) {
	if s.sources.IsPaused(sentence.SourceID) {
		return OutcomePaused, nil
	}
	frame, ok := decoder.ParseFrame(sentence.Raw)
	if !ok {
		return OutcomeIgnored, nil
	}

	fields, messageType, err := s.decoder.Decode(sentence.SourceID, frame.Sentence)
	if errors.Is(err, decoder.ErrIncomplete) {
		return OutcomePending, nil
	}
	if err != nil {
		s.recordFragment(ctx, sentence.SourceID, err)
		return OutcomeFragment, nil
	}
	report, err := ResolveReport(fields, messageType)
	if err != nil {
		s.recordFragment(ctx, sentence.SourceID, err)
		return OutcomeFragment, nil
	}

	env := envelope{
		SourceID:  sentence.SourceID,
		Raw:       frame.Sentence,
		Timestamp: s.messageTime(sentence),
		OwnShip:   frame.OwnShip,
		Report:    report,
	}

	message, err := s.storeMessage(ctx, env, fields)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := s.sources.RecordMessage(ctx, env.SourceID, env.Timestamp); err != nil {
		s.logger.Warn("source counter update failed",
			zap.String("operation", opRecordMessage),
			zap.String("source_id", env.SourceID),
			zap.Error(err))
	}

	result, err := s.dispatch(ctx, env, message.ID)
	if err != nil {
		return OutcomeFailed, err
	}

	if err := s.sources.EnforceMessageLimit(ctx, env.SourceID); err != nil {
		s.logError(opQuotaEnforce, "purge_failed", err, zap.String("source_id", env.SourceID))
	}
	if result.touched {
		if err := s.sources.TouchTarget(ctx, env.SourceID, report.StationID, env.Timestamp, result.nonVessel); err != nil {
			s.logger.Warn("target attribution failed",
				zap.String("operation", opTouchTarget),
				zap.String("source_id", env.SourceID),
				zap.String("station_id", report.StationID),
				zap.Error(err))
		}
	}

	s.publish(result.events)
	if result.enrich {
		s.enqueueEnrichment(report.StationID)
	}
	return OutcomeStored, nil
}

func (s *Service) messageTime(sentence Sentence) time.Time {
	if !sentence.LoggedAt.IsZero() {
		return sentence.LoggedAt.UTC()
	}
	return s.clock().UTC()
}

func (s *Service) recordFragment(ctx context.Context, sourceID string, cause error) {
	s.logger.Debug("sentence not decodable", zap.String("source_id", sourceID), zap.Error(cause))
	if err := s.sources.RecordFragment(ctx, sourceID); err != nil {
		s.logger.Warn("fragment counter update failed",
			zap.String("operation", opRecordFragment),
			zap.String("source_id", sourceID),
			zap.Error(err))
	}
}

func (s *Service) storeMessage(ctx context.Context, env envelope, fields decoder.Fields) (Message, error) {
	decoded, err := json.Marshal(fields)
	if err != nil {
		s.logError(opRoute, "encode_fields_failed", err, zap.String("station_id", env.Report.StationID))
		return Message{}, newServiceError(opRoute, "encode_fields_failed", err)
	}
	message := Message{
		StationID:       env.Report.StationID,
		Timestamp:       env.Timestamp,
		MessageType:     env.Report.MessageType,
		Raw:             env.Raw,
		Decoded:         string(decoded),
		SourceID:        env.SourceID,
		IsOwnShip:       env.OwnShip,
		RepeatIndicator: env.Report.RepeatIndicator,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opRoute, "message_insert_failed", err,
			zap.String("source_id", env.SourceID),
			zap.String("station_id", env.Report.StationID))
		return Message{}, newServiceError(opRoute, "message_insert_failed", err)
	}
	return message, nil
}
