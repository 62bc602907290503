package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"brokerdesk/api/internal/store"
)

const MaxBatchSize = 500

type BatchFailure struct {
	Index       int    `json:"index"`
	BusinessKey string `json:"businessKey,omitempty"`
	Code        string `json:"code"`
	Error       string `json:"error"`
}

type BatchResult struct {
	SuccessCount int            `json:"successCount"`
	FailureCount int            `json:"failureCount"`
	Successful   []store.Record `json:"successful"`
	Failed       []BatchFailure `json:"failed"`
	OK           bool           `json:"ok"`
}

// CreateBatch runs every item through CreateRecord independently. Items that
// fail do not affect the others and nothing is rolled back.
func (s *Service) CreateBatch(ctx context.Context, actor Actor, kind store.Kind, inputs []RecordInput) (BatchResult, error) {
	if err := requireKind(kind); err != nil {
		return BatchResult{}, err
	}
	if len(inputs) == 0 {
		return BatchResult{}, &store.ValidationError{Field: "items", Message: "must not be empty"}
	}
	if len(inputs) > MaxBatchSize {
		return BatchResult{}, &store.ValidationError{Field: "items", Message: fmt.Sprintf("must not exceed %d entries", MaxBatchSize)}
	}

	type outcome struct {
		record store.Record
		err    error
	}
	outcomes := make([]outcome, len(inputs))

	// plain Group: one failed item must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)
	for i, input := range inputs {
		if input.Source == "" {
			input.Source = store.SourceGrid
		}
		g.Go(func() error {
			rec, err := s.CreateRecord(ctx, actor, kind, input)
			outcomes[i] = outcome{record: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Successful: make([]store.Record, 0, len(inputs)),
		Failed:     make([]BatchFailure, 0),
	}
	for i, o := range outcomes {
		if o.err != nil {
			result.Failed = append(result.Failed, BatchFailure{
				Index:       i,
				BusinessKey: batchKey(kind, inputs[i]),
				Code:        errorCode(o.err),
				Error:       o.err.Error(),
			})
			continue
		}
		result.Successful = append(result.Successful, o.record)
	}
	result.SuccessCount = len(result.Successful)
	result.FailureCount = len(result.Failed)
	result.OK = result.SuccessCount > 0
	s.logger.Info("batch processed", "kind", kind, "user_id", actor.UserID, "succeeded", result.SuccessCount, "failed", result.FailureCount)
	return result, nil
}

func batchKey(kind store.Kind, input RecordInput) string {
	if key := strings.TrimSpace(input.BusinessKey); key != "" {
		return key
	}
	if v, ok := input.Fields[kind.KeyField()].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
