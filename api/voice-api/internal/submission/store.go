// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	internal_conversation "github.com/rapidaai/sitevoice/api/voice-api/internal/conversation"
	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/connectors"
)

// Submission is the persisted record of one completed form. Field values and
// transcript are stored as JSON documents; the signature is the raw artifact
// bytes (PNG strokes or similar) when the schema required one.
type Submission struct {
	Id           uint64    `json:"id" gorm:"type:bigint;primaryKey;autoIncrement"`
	SubmissionID string    `json:"submissionId" gorm:"column:submission_id;type:varchar(36);not null;uniqueIndex"`
	FormType     string    `json:"formType" gorm:"column:form_type;type:varchar(100);not null;index"`
	FieldValues  string    `json:"fieldValues" gorm:"column:field_values;type:jsonb;not null"`
	Transcript   string    `json:"transcript" gorm:"column:transcript;type:jsonb;not null"`
	Signature    []byte    `json:"-" gorm:"column:signature;type:bytea"`
	CreatedDate  time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
}

func (Submission) TableName() string {
	return "form_submissions"
}

func (s *Submission) BeforeCreate(tx *gorm.DB) error {
	if s.SubmissionID == "" {
		s.SubmissionID = uuid.New().String()
	}
	if s.CreatedDate.IsZero() {
		s.CreatedDate = time.Now()
	}
	return nil
}

// Store persists completed forms. It implements the extractor's Sink
// contract: storage failures come back with the commons.ErrPersistence kind
// so the session keeps its conversation state for a retry.
type Store interface {
	internal_conversation.Sink

	// Get retrieves a submission by its public id.
	Get(ctx context.Context, submissionID string) (*Submission, error)
}

type submissionStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewStore creates a submission store backed by the primary database.
func NewStore(postgres connectors.PostgresConnector, logger commons.Logger) Store {
	return &submissionStore{postgres: postgres, logger: logger}
}

// Submit persists the accumulated field mapping, transcript and optional
// signature, returning the generated submission id.
func (s *submissionStore) Submit(
	ctx context.Context,
	formType string,
	fields map[string]internal_conversation.Value,
	transcript []internal_conversation.TranscriptEntry,
	signature []byte,
) (string, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", commons.PersistenceErrorf("failed to marshal field values: %v", err)
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return "", commons.PersistenceErrorf("failed to marshal transcript: %v", err)
	}

	rec := Submission{
		FormType:    formType,
		FieldValues: string(fieldsJSON),
		Transcript:  string(transcriptJSON),
		Signature:   signature,
	}

	db := s.postgres.DB(ctx)
	if err := db.Create(&rec).Error; err != nil {
		return "", commons.PersistenceErrorf("failed to store %s submission: %v", formType, err)
	}

	s.logger.Infof("stored form submission: formType=%s, submission=%s, fields=%d, transcript=%d",
		formType, rec.SubmissionID, len(fields), len(transcript))

	return rec.SubmissionID, nil
}

// Get retrieves a submission row by its public id.
func (s *submissionStore) Get(ctx context.Context, submissionID string) (*Submission, error) {
	db := s.postgres.DB(ctx)
	var rec Submission
	if err := db.Where("submission_id = ?", submissionID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("submission not found: %s: %w", submissionID, err)
	}
	return &rec, nil
}
