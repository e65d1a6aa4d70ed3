package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// pipelineOutcome carries what the handler needs after running a request
// through the pipeline: either a buffered response to write, or a stream
// that has already been relayed to the client.
type pipelineOutcome struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Streamed   bool
}

// runMessagesPipeline implements the nine-step flow for POST /v1/messages.
func (a *App) runMessagesPipeline(ctx context.Context, w http.ResponseWriter, req *InternalRequest) (*pipelineOutcome, error) {
	flowID := NewFlowID()
	req.OriginalModel = req.Model
	req.Model = ClassifyRequest(req)

	a.maybeOptimisticReset()

	a.flows.Record(FlowEvent{
		FlowID:   flowID,
		Stage:    FlowStart,
		Protocol: "messages",
		Route:    "/v1/messages",
		Model:    req.Model,
		Stream:   req.Stream,
		ClientIP: req.ClientIP,
		Snapshot: redactedSnapshot(req),
	})

	account, err := a.awaitStickyAccount(ctx)
	if err != nil {
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Error: err.Error()})
		return nil, err
	}

	token, projErr := a.tokens.GetTokenForAccount(ctx, account)
	if projErr != nil {
		a.recordAuthFailure(account, projErr)
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Account: account.Email, Error: projErr.Error()})
		return nil, projErr
	}
	project, err := a.tokens.GetProjectForAccount(ctx, account, token)
	if err != nil {
		project = DefaultProjectID
	}

	payload, err := EncodeMessagesRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}

	result, err := a.upstream.Dispatch(ctx, token, project, payload, req.Stream)
	if err != nil {
		a.pool.RecordFailure(account.Email, FailureOptions{Reason: err.Error()})
		a.metrics.inc("dispatch_error", account.Email)
		a.recent.add(account.Email, TaxonomyAPI, safeText([]byte(err.Error())))
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Account: account.Email, ClientIP: req.ClientIP, Error: err.Error()})
		return nil, err
	}

	if req.Stream {
		if result.Cancel != nil {
			defer result.Cancel()
		}
		defer result.Stream.Body.Close()

		if result.StatusCode >= 400 {
			body, _ := readAllLimited(result.Stream.Body, 64*1024)
			classified := ClassifyUpstreamError(string(body))
			log.Printf("upstream error for flow %s: %s", flowID, safeText(body))
			a.applyClassifiedFailure(account, classified)
			a.metrics.inc(strconv.Itoa(classified.Status), account.Email)
			a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Account: account.Email, ClientIP: req.ClientIP, Error: classified.Message})
			respondError(w, classified)
			return &pipelineOutcome{Streamed: true}, nil
		}

		forwarded := cloneHeader(result.Header)
		removeHopByHopHeaders(forwarded)
		copyHeader(w.Header(), forwarded)

		idle := newIdleTimeoutReader(result.Stream.Body, 60*time.Second, func() {
			if result.Cancel != nil {
				result.Cancel()
			}
		})
		defer idle.Close()
		var sawError *ClassifiedError
		relayErr := RelaySSE(w, idle, func(raw []byte) {
			a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowChunk, Account: account.Email, ChunkSize: len(raw)})
		}, func(c *ClassifiedError) {
			sawError = c
			a.applyClassifiedFailure(account, c)
		})
		if relayErr != nil {
			log.Printf("warning: sse relay for flow %s: %v", flowID, relayErr)
		}
		if sawError == nil {
			a.pool.RecordSuccess(account.Email)
			a.metrics.inc("200", account.Email)
		} else {
			a.metrics.inc(strconv.Itoa(sawError.Status), account.Email)
		}
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowComplete, Account: account.Email, ClientIP: req.ClientIP})
		return &pipelineOutcome{Streamed: true}, nil
	}

	if result.StatusCode >= 400 {
		classified := ClassifyUpstreamError(string(result.Body))
		log.Printf("upstream error for flow %s: %s", flowID, safeText(result.Body))
		a.applyClassifiedFailure(account, classified)
		a.metrics.inc(strconv.Itoa(classified.Status), account.Email)
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Account: account.Email, ClientIP: req.ClientIP, Error: classified.Message})
		return nil, &pipelineError{classified: classified}
	}

	a.pool.RecordSuccess(account.Email)
	a.metrics.inc(strconv.Itoa(result.StatusCode), account.Email)
	a.recordQuota(account, req.Model, result.Body)
	a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowComplete, Account: account.Email, ClientIP: req.ClientIP})

	forwarded := cloneHeader(result.Header)
	removeHopByHopHeaders(forwarded)
	return &pipelineOutcome{StatusCode: result.StatusCode, Body: result.Body, Header: forwarded}, nil
}

// runChatCompletionsPipeline implements the non-streaming Chat-Completions
// dialect on top of the same account-pool/dispatch machinery.
func (a *App) runChatCompletionsPipeline(ctx context.Context, req *InternalRequest) ([]byte, error) {
	flowID := NewFlowID()
	req.OriginalModel = req.Model
	req.Model = ClassifyRequest(req)

	a.maybeOptimisticReset()
	a.flows.Record(FlowEvent{
		FlowID:   flowID,
		Stage:    FlowStart,
		Protocol: "chat.completions",
		Route:    "/v1/chat/completions",
		Model:    req.Model,
		ClientIP: req.ClientIP,
		Snapshot: redactedSnapshot(req),
	})

	account, err := a.awaitStickyAccount(ctx)
	if err != nil {
		a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowError, Error: err.Error()})
		return nil, err
	}

	token, err := a.tokens.GetTokenForAccount(ctx, account)
	if err != nil {
		a.recordAuthFailure(account, err)
		return nil, err
	}
	project, err := a.tokens.GetProjectForAccount(ctx, account, token)
	if err != nil {
		project = DefaultProjectID
	}

	payload, err := EncodeMessagesRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}

	result, err := a.upstream.Dispatch(ctx, token, project, payload, false)
	if err != nil {
		a.pool.RecordFailure(account.Email, FailureOptions{Reason: err.Error()})
		a.metrics.inc("dispatch_error", account.Email)
		a.recent.add(account.Email, TaxonomyAPI, safeText([]byte(err.Error())))
		return nil, err
	}
	if result.StatusCode >= 400 {
		classified := ClassifyUpstreamError(string(result.Body))
		log.Printf("upstream error for flow %s: %s", flowID, safeText(result.Body))
		a.applyClassifiedFailure(account, classified)
		a.metrics.inc(strconv.Itoa(classified.Status), account.Email)
		return nil, &pipelineError{classified: classified}
	}

	upstreamResult, err := ExtractUpstreamResult(result.Body)
	if err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	a.pool.RecordSuccess(account.Email)
	a.metrics.inc(strconv.Itoa(result.StatusCode), account.Email)
	a.recordQuotaUsage(account, req.Model, upstreamResult.InputTokens, upstreamResult.OutputTokens)
	a.flows.Record(FlowEvent{FlowID: flowID, Stage: FlowComplete, Account: account.Email, ClientIP: req.ClientIP})

	return BuildChatCompletionResponse(upstreamResult, req.OriginalModel, time.Now())
}

// pipelineError carries a classified error through to the handler layer
// so it can be written with the right status/headers.
type pipelineError struct {
	classified *ClassifiedError
}

func (e *pipelineError) Error() string { return e.classified.Message }

// maybeOptimisticReset clears pool-wide rate limits when every account is
// currently marked limited, so the next selection probes upstream instead
// of refusing locally on stale state.
func (a *App) maybeOptimisticReset() {
	if a.pool.AllRateLimited() {
		a.pool.ResetAllRateLimits()
	}
}

// awaitStickyAccount loops on PickStickyAccount, sleeping for any returned
// wait and retrying, until an account is returned or the context is done.
func (a *App) awaitStickyAccount(ctx context.Context) (*Account, error) {
	for {
		sel := a.pool.PickStickyAccount()
		if sel.Account != nil {
			return sel.Account, nil
		}
		if sel.WaitMs <= 0 {
			if a.pool.Count() == 0 {
				return nil, &pipelineError{classified: &ClassifiedError{
					Taxonomy: TaxonomyAuthentication,
					Status:   401,
					Message:  "no accounts configured",
				}}
			}
			return nil, &pipelineError{classified: &ClassifiedError{
				Taxonomy: TaxonomyOverloaded,
				Status:   503,
				Message:  "no account available",
			}}
		}
		a.metrics.recordSelection("wait", sel.WaitMs)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(sel.WaitMs) * time.Millisecond):
		}
	}
}

func (a *App) applyClassifiedFailure(account *Account, c *ClassifiedError) {
	a.recent.add(account.Email, c.Taxonomy, safeText([]byte(c.Message)))
	switch c.Taxonomy {
	case TaxonomyOverloaded:
		a.metrics.recordCooldown()
		ms := c.RetryAfterSeconds * 1000
		if ms <= 0 {
			ms = DefaultCooldownMs
		}
		a.pool.MarkRateLimited(account.Email, ms)
	case TaxonomyAuthentication:
		a.tokens.InvalidateAccount(account.Email)
		if _, err := a.tokens.GetTokenForAccount(context.Background(), account); err != nil {
			a.pool.MarkInvalid(account.Email, c.Message)
		}
	default:
		a.pool.RecordFailure(account.Email, FailureOptions{Reason: c.Message})
	}
}

func (a *App) recordAuthFailure(account *Account, err error) {
	a.recent.add(account.Email, TaxonomyAuthentication, safeText([]byte(err.Error())))
	a.pool.MarkInvalid(account.Email, err.Error())
}

func (a *App) recordQuota(account *Account, model string, body []byte) {
	result, err := ExtractUpstreamResult(body)
	if err != nil {
		return
	}
	a.recordQuotaUsage(account, model, result.InputTokens, result.OutputTokens)
}

func (a *App) recordQuotaUsage(account *Account, model string, inputTokens, outputTokens int64) {
	if a.quota == nil {
		return
	}
	if err := a.quota.Record(QuotaRecord{
		Timestamp:    time.Now(),
		Email:        account.Email,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}); err != nil {
		log.Printf("warning: record quota usage: %v", err)
	}
}

// redactedSnapshot truncates messages to the first three entries for the
// flow log, so request bodies never persist in full.
func redactedSnapshot(req *InternalRequest) any {
	n := len(req.Messages)
	if n > 3 {
		n = 3
	}
	truncated := make([]map[string]any, 0, n)
	for _, m := range req.Messages[:n] {
		truncated = append(truncated, map[string]any{
			"role":  m.Role,
			"parts": len(m.Content),
		})
	}
	raw, _ := json.Marshal(truncated)
	return json.RawMessage(raw)
}
