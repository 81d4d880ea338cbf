// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_form

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rapidaai/sitevoice/pkg/commons"
	"github.com/rapidaai/sitevoice/pkg/connectors"
)

// SchemaRecord is the persisted form of a Schema. The field list is stored
// as a JSON document so schema edits never require a migration.
type SchemaRecord struct {
	Id                uint64    `json:"id" gorm:"type:bigint;primaryKey;autoIncrement"`
	FormType          string    `json:"formType" gorm:"column:form_type;type:varchar(100);not null;uniqueIndex"`
	Title             string    `json:"title" gorm:"column:title;type:varchar(200);not null;default:''"`
	Definition        string    `json:"definition" gorm:"column:definition;type:jsonb;not null"`
	RequiresSignature bool      `json:"requiresSignature" gorm:"column:requires_signature;not null;default:false"`
	CreatedDate       time.Time `json:"createdDate" gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;<-:create"`
	UpdatedDate       time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (SchemaRecord) TableName() string {
	return "form_schemas"
}

// Store is a Provider backed by the schema table, plus write operations for
// the management surface.
type Store interface {
	Provider

	// Save creates or updates the schema row for schema.FormType.
	Save(ctx context.Context, schema *Schema) error
}

type schemaStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewStore creates a schema store backed by the primary database.
func NewStore(postgres connectors.PostgresConnector, logger commons.Logger) Store {
	return &schemaStore{postgres: postgres, logger: logger}
}

// GetSchema resolves the schema for formType. Unknown form types yield a
// commons.ErrConfiguration error so session setup aborts before any provider
// connection is attempted.
func (s *schemaStore) GetSchema(ctx context.Context, formType string) (*Schema, error) {
	db := s.postgres.DB(ctx)

	var rec SchemaRecord
	if err := db.Where("form_type = ?", formType).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, commons.ConfigurationErrorf("no schema for form type %q", formType)
		}
		return nil, fmt.Errorf("failed to load schema %s: %w", formType, err)
	}

	var fields []Field
	if err := json.Unmarshal([]byte(rec.Definition), &fields); err != nil {
		return nil, fmt.Errorf("corrupt schema definition for %s: %w", formType, err)
	}

	s.logger.Debugf("resolved form schema: formType=%s, fields=%d, signature=%v",
		formType, len(fields), rec.RequiresSignature)

	return &Schema{
		FormType:          rec.FormType,
		Title:             rec.Title,
		Fields:            fields,
		RequiresSignature: rec.RequiresSignature,
	}, nil
}

// Save upserts the schema row keyed by form type.
func (s *schemaStore) Save(ctx context.Context, schema *Schema) error {
	definition, err := json.Marshal(schema.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal schema definition: %w", err)
	}

	db := s.postgres.DB(ctx)

	var existing SchemaRecord
	err = db.Where("form_type = ?", schema.FormType).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec := SchemaRecord{
			FormType:          schema.FormType,
			Title:             schema.Title,
			Definition:        string(definition),
			RequiresSignature: schema.RequiresSignature,
		}
		if err := db.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema.FormType, err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up schema %s: %w", schema.FormType, err)
	default:
		result := db.Model(&SchemaRecord{}).
			Where("form_type = ?", schema.FormType).
			Updates(map[string]interface{}{
				"title":              schema.Title,
				"definition":         string(definition),
				"requires_signature": schema.RequiresSignature,
				"updated_date":       time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update schema %s: %w", schema.FormType, result.Error)
		}
	}

	s.logger.Infof("saved form schema: formType=%s, fields=%d", schema.FormType, len(schema.Fields))
	return nil
}
