package shared

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/domain"
	obsctx "github.com/fairyhunter13/posterforge/internal/observability"
)

// handleExport delivers finished artifacts into the downstream system of
// record. Items run sequentially in small batches with fixed spacing so the
// webhook endpoint is never hammered.
func (h *Handler) handleExport(ctx context.Context, spec domain.JobSpec) error {
	lg := obsctx.LoggerFromContext(ctx)

	if len(spec.Exports) == 0 {
		h.failJob(ctx, spec, "envelope expansion failed: no export items")
		return fmt.Errorf("op=handler.export: no export items")
	}

	run := &jobRun{spec: spec}

	done, err := h.terminalItems(ctx, spec.JobID)
	if err != nil {
		return fmt.Errorf("op=handler.export: list items: %w", err)
	}

	for i, exp := range spec.Exports {
		if i%h.sinkBatchSize == 0 {
			if h.observeCancel(ctx, run) {
				lg.Info("cancel observed, stopping export")
				return nil
			}
		}

		itemID := fmt.Sprintf("item-%04d", i+1)
		if done[itemID] {
			continue
		}
		h.exportItem(ctx, run, itemID, exp)

		if i < len(spec.Exports)-1 && h.sinkSpacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.sinkSpacing):
			}
		}
	}

	return h.finalize(ctx, run)
}

// exportItem pushes one artifact through the sink and closes the item.
func (h *Handler) exportItem(ctx context.Context, run *jobRun, itemID string, exp domain.ExportItem) {
	start := time.Now()
	lg := obsctx.LoggerFromContext(ctx).With(slog.String("item_id", itemID), slog.String("identifier", exp.Identifier))

	if err := h.deps.Items.Upsert(ctx, domain.WorkItem{
		ID:         itemID,
		JobID:      run.spec.JobID,
		Identifier: exp.Identifier,
		Username:   exp.Identifier,
		Status:     domain.ItemProcessing,
	}); err != nil {
		lg.Error("failed to upsert export item", slog.Any("error", err))
	}

	if exp.UserID == nil {
		h.closeItem(ctx, run, domain.ItemOutcome{
			ItemID:       itemID,
			Identifier:   exp.Identifier,
			Kind:         domain.FailureMissingUserID,
			Error:        "no user_id resolved for identifier",
			ProcessingMS: time.Since(start).Milliseconds(),
		})
		return
	}

	artifactURL := exp.ArtifactURL
	if strings.HasPrefix(artifactURL, "data:") {
		// The sink only accepts fetchable URLs; park inline payloads in the
		// blob store first.
		hosted, err := h.hostDataURL(ctx, run.spec.JobID, exp.Identifier, artifactURL)
		if err != nil {
			lg.Error("failed to host inline artifact", slog.Any("error", err))
			h.closeItem(ctx, run, domain.ItemOutcome{
				ItemID:       itemID,
				Identifier:   exp.Identifier,
				Kind:         domain.FailureUpload,
				Error:        err.Error(),
				ProcessingMS: time.Since(start).Milliseconds(),
			})
			return
		}
		artifactURL = hosted
	}

	err := h.withRetry(ctx, func() error {
		return h.deps.Sink.StoreArtifact(ctx, artifactURL, run.spec.CampaignName, *exp.UserID)
	})
	observability.ObserveSinkDelivery(err == nil)
	if err != nil {
		lg.Warn("sink delivery failed", slog.Any("error", err))
		h.closeItem(ctx, run, domain.ItemOutcome{
			ItemID:       itemID,
			Identifier:   exp.Identifier,
			Kind:         domain.FailureWebhook,
			Error:        err.Error(),
			ProcessingMS: time.Since(start).Milliseconds(),
		})
		return
	}

	h.closeItem(ctx, run, domain.ItemOutcome{
		ItemID:       itemID,
		Identifier:   exp.Identifier,
		Success:      true,
		ArtifactURL:  artifactURL,
		ProcessingMS: time.Since(start).Milliseconds(),
	})
}

// hostDataURL uploads a data: URL payload and returns its public URL.
func (h *Handler) hostDataURL(ctx context.Context, jobID, identifier, dataURL string) (string, error) {
	payload, contentType, err := decodeDataURL(dataURL)
	if err != nil {
		return "", fmt.Errorf("decode data url: %w", err)
	}
	key := fmt.Sprintf("jobs/%s/%s_%d.png", jobID, identifier, time.Now().UnixMilli())
	url, err := h.deps.Blobs.Put(ctx, key, payload, contentType)
	if err != nil {
		return "", fmt.Errorf("upload inline artifact: %w", err)
	}
	return url, nil
}

// withRetry wraps a side call in the handler's exponential backoff policy.
func (h *Handler) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retry.InitialDelay
	bo.MaxInterval = h.retry.MaxDelay
	bo.Multiplier = h.retry.Multiplier
	attempts := uint64(1)
	if h.retry.MaxAttempts > 1 {
		attempts = uint64(h.retry.MaxAttempts)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}
