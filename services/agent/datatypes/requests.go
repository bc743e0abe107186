// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request types for the research endpoints.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of a research question.
	// Byte length is checked, not rune count, to bound memory use.
	MaxQuestionBytes = 32 * 1024 // 32KB

	// MaxDatasetSelectors is the maximum number of dataset ids a
	// request may pin for retrieval.
	MaxDatasetSelectors = 16
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for request datatypes.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()

	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxQuestionBytes on a string field.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Research Request Types
// =============================================================================

// ResearchRequest is the body of POST /v1/research/stream.
//
// # Fields
//
//   - Question: Required. The research question, at most 32KB.
//   - SessionID: Optional. Continues an existing session when set;
//     a fresh session is created when empty.
//   - DatasetIDs: Optional. Pins retrieval to specific knowledge-base
//     datasets. When empty, the domain classifier picks them.
//   - MaxRounds: Optional. Overrides the reasoning round cap for this
//     turn; zero keeps the server default.
//
// # Validation
//
// Uses go-playground/validator:
//   - Question: required, max 32768 bytes via custom "maxbytes"
//   - SessionID: optional, must be UUID v4 when present
//   - DatasetIDs: at most 16 entries, each non-empty
type ResearchRequest struct {
	Question   string   `json:"question" validate:"required,maxbytes"`
	SessionID  string   `json:"session_id" validate:"omitempty,uuid4"`
	DatasetIDs []string `json:"dataset_ids" validate:"omitempty,max=16,dive,min=1"`
	MaxRounds  int      `json:"max_rounds" validate:"gte=0,lte=10"`
}

// Validate validates the ResearchRequest fields.
func (r *ResearchRequest) Validate() error {
	return requestValidate.Struct(r)
}

// CancelRequest is the body of POST /v1/research/cancel.
type CancelRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid4"`
}

// Validate validates the CancelRequest fields.
func (r *CancelRequest) Validate() error {
	return requestValidate.Struct(r)
}
