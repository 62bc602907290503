package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"brokerdesk/api/internal/intake"
	"brokerdesk/api/internal/store"
)

var errNoPolicyNumber = errors.New("no policy number found in document")

type IngestInput struct {
	FileName    string
	InsurerHint string
	Data        []byte
}

type IngestResult struct {
	Upload    store.Record        `json:"upload"`
	Policy    *store.Record       `json:"policy,omitempty"`
	Extracted bool                `json:"extracted"`
	Fields    intake.PolicyFields `json:"fields"`
	Error     string              `json:"error,omitempty"`
}

// IngestPDF records an uploaded policy document by checksum, then tries to
// turn its text into a policy record linked back to the upload. Only the
// upload write can fail the call.
func (s *Service) IngestPDF(ctx context.Context, actor Actor, input IngestInput) (IngestResult, error) {
	if len(input.Data) == 0 {
		return IngestResult{}, &store.ValidationError{Field: "file", Message: "is required"}
	}
	fileName := strings.TrimSpace(input.FileName)
	if fileName == "" {
		fileName = "upload.pdf"
	}
	sum := sha256.Sum256(input.Data)
	checksum := hex.EncodeToString(sum[:])

	uploadFields := map[string]any{
		"checksum":  checksum,
		"fileName":  fileName,
		"sizeBytes": len(input.Data),
	}
	if hint := strings.TrimSpace(input.InsurerHint); hint != "" {
		uploadFields["insurerHint"] = hint
	}
	upload, err := s.CreateRecord(ctx, actor, store.KindUpload, RecordInput{
		BusinessKey: checksum,
		Source:      store.SourcePDF,
		Fields:      uploadFields,
	})
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{Upload: upload}

	text, err := s.pdfText(input.Data)
	if err != nil {
		s.logger.Info("pdf text extraction failed", "upload_id", upload.ID, "error", err)
		result.Error = err.Error()
		return result, nil
	}
	result.Fields = s.extractor.ExtractPolicyFields(text, input.InsurerHint)
	if result.Fields.PolicyNumber == "" {
		result.Error = errNoPolicyNumber.Error()
		return result, nil
	}
	result.Extracted = true

	fields := result.Fields.Fields()
	fields["uploadId"] = upload.ID
	policy, err := s.CreateRecord(ctx, actor, store.KindPolicy, RecordInput{
		BusinessKey: result.Fields.PolicyNumber,
		Source:      store.SourcePDF,
		Fields:      fields,
	})
	if err != nil {
		s.logger.Info("policy from pdf not created", "upload_id", upload.ID, "policy_number", result.Fields.PolicyNumber, "error", err)
		result.Error = err.Error()
		return result, nil
	}
	result.Policy = &policy
	return result, nil
}
