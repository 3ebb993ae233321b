/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package bws implements the typed client of the remote Biometric Web
// Service: credential signing, channel pooling, retry with backoff and
// jitter, per-operation circuit breaking and regional failover.
package bws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/breaker"
	"github.com/gravitational/faceauth/lib/defaults"
	"github.com/gravitational/faceauth/lib/events"
	"github.com/gravitational/faceauth/lib/retryutils"
	"github.com/gravitational/faceauth/types"
)

// Operation identifiers, used for metrics, breaker partitioning and
// default deadlines.
const (
	OpEnroll   = "enroll"
	OpVerify   = "verify"
	OpLiveness = "liveness"
	OpStatus   = "status"
	OpDelete   = "delete"
	OpSetTags  = "set_tags"
	OpHealth   = "health"
)

// operationDeadlines bounds calls that arrive without an earlier caller
// deadline.
var operationDeadlines = map[string]time.Duration{
	OpEnroll:   defaults.EnrollDeadline,
	OpVerify:   defaults.VerifyDeadline,
	OpLiveness: defaults.LivenessDeadline,
	OpStatus:   defaults.StatusDeadline,
	OpDelete:   defaults.DeleteDeadline,
	OpSetTags:  defaults.StatusDeadline,
	OpHealth:   defaults.StatusDeadline,
}

// Config configures a BWS Client.
type Config struct {
	// ClientID identifies the BWS partition.
	ClientID string
	// SecretKey signs bearer credentials.
	SecretKey string
	// Regions maps region identifiers to endpoint hosts.
	Regions map[string]string
	// PreferredRegion is the region calls route to while healthy.
	PreferredRegion string
	// EndpointOverride replaces the preferred region's endpoint host.
	EndpointOverride string
	// FailoverEnabled permits cross-region routing.
	FailoverEnabled bool
	// DataResidencyRequired pins calls to the preferred region.
	DataResidencyRequired bool
	// PoolSize is the channel pool size per region.
	PoolSize int
	// KeepAliveTime is the channel keep-alive interval.
	KeepAliveTime time.Duration
	// RetryMaxAttempts caps attempts per logical call.
	RetryMaxAttempts int
	// RetryBackoffMultiplier grows the delay between attempts.
	RetryBackoffMultiplier float64
	// ProbeInterval is the region health probe cadence.
	ProbeInterval time.Duration
	// DisableProber skips the background prober, used in tests that
	// drive RecordProbe directly.
	DisableProber bool
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Logger logs client activity.
	Logger *slog.Logger
	// Emitter receives failover audit events. Optional.
	Emitter events.Emitter
	// Dial overrides the endpoint dialer in tests.
	Dial DialFunc
	// BreakerConfig overrides the per-operation breaker settings in
	// tests.
	BreakerConfig *breaker.Config
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.ClientID == "" {
		return trace.BadParameter("missing parameter ClientID")
	}
	if c.SecretKey == "" {
		return trace.BadParameter("missing parameter SecretKey")
	}
	if c.PreferredRegion == "" {
		return trace.BadParameter("missing parameter PreferredRegion")
	}
	if len(c.Regions) == 0 {
		c.Regions = DefaultRegions
	}
	if c.EndpointOverride != "" {
		regions := make(map[string]string, len(c.Regions))
		for name, host := range c.Regions {
			regions[name] = host
		}
		regions[c.PreferredRegion] = c.EndpointOverride
		c.Regions = regions
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaults.ChannelPoolSize
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = defaults.KeepAliveTime
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if c.RetryBackoffMultiplier == 0 {
		c.RetryBackoffMultiplier = defaults.RetryMultiplier
	}
	if c.RetryBackoffMultiplier < 1 {
		return trace.BadParameter("retry backoff multiplier must be >= 1, got %v", c.RetryBackoffMultiplier)
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaults.RegionProbeInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(faceauth.ComponentKey, faceauth.ComponentBWS)
	}
	return nil
}

// Client is the typed BWS operation surface. Safe for concurrent use.
type Client struct {
	cfg    Config
	signer *Signer
	pool   *Pool
	router *Router
	jitter retryutils.Jitter

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker

	healthMu     sync.Mutex
	healthCached *ServiceHealth
	healthAt     time.Time

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a Client and starts its region health prober.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := NewSigner(SignerConfig{
		ClientID:  cfg.ClientID,
		SecretKey: cfg.SecretKey,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := NewPool(PoolConfig{
		Size:          cfg.PoolSize,
		KeepAliveTime: cfg.KeepAliveTime,
		Dial:          cfg.Dial,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Client{
		cfg:      cfg,
		signer:   signer,
		pool:     pool,
		jitter:   retryutils.NewRatioJitter(defaults.RetryJitterFraction),
		breakers: make(map[string]*breaker.CircuitBreaker),
		done:     make(chan struct{}),
	}

	router, err := NewRouter(RouterConfig{
		Regions:               cfg.Regions,
		Preferred:             cfg.PreferredRegion,
		FailoverEnabled:       cfg.FailoverEnabled,
		DataResidencyRequired: cfg.DataResidencyRequired,
		OnFailover:            c.onFailover,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.router = router

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if cfg.DisableProber {
		close(c.done)
	} else {
		go c.runProber(ctx)
	}
	return c, nil
}

// Close stops the prober and closes every pooled channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return c.pool.Close()
}

// Router exposes the regional router for health reporting and tests.
func (c *Client) Router() *Router {
	return c.router
}

func (c *Client) onFailover(from, to string) {
	c.cfg.Logger.Warn("Switching BWS region.", "from", from, "to", to)
	if c.cfg.Emitter == nil {
		return
	}
	_ = c.cfg.Emitter.EmitAuditEvent(context.Background(), &events.AuditEvent{
		Metadata: events.Metadata{
			Type: events.RegionFailoverEvent,
			Code: events.RegionFailoverCode,
			Time: c.cfg.Clock.Now().UTC(),
		},
		Outcome: events.Outcome{Success: true},
		Fields:  map[string]any{"from": from, "to": to},
	})
}

// breaker returns the operation's circuit breaker, creating it on first
// use.
func (c *Client) breaker(op string) *breaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[op]; ok {
		return cb
	}
	var cfg breaker.Config
	if c.cfg.BreakerConfig != nil {
		cfg = c.cfg.BreakerConfig.Clone()
	} else {
		cfg = breaker.DefaultBreakerConfig(c.cfg.Clock)
	}
	cfg.IsSuccessful = func(_ any, err error) bool {
		// Business verdicts are valid responses, not service failures.
		return err == nil || AsBusinessError(err) != nil
	}
	cfg.OnTripped = func() { breakerState.WithLabelValues(op).Set(1) }
	cfg.OnStandby = func() { breakerState.WithLabelValues(op).Set(0) }
	cb, err := breaker.New(cfg)
	if err != nil {
		// Static configuration; only reachable with a broken override.
		panic(err)
	}
	c.breakers[op] = cb
	return cb
}

// IsCircuitOpen reports whether the error means the operation's circuit
// breaker is rejecting calls and the caller should fall back rather than
// retry.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, breaker.ErrStateTripped)
}

// call runs one logical BWS call: deadline capping, breaker admission,
// credential metadata, channel checkout, and retry with backoff and
// jitter on transient transport failures.
func (c *Client) call(ctx context.Context, op string, req, resp any, method string) error {
	defaultDeadline := operationDeadlines[op]
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > defaultDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDeadline)
		defer cancel()
	}

	cb := c.breaker(op)
	backoff := defaults.RetryInitialBackoff
	for attempt := 1; ; attempt++ {
		region, target := c.router.Active()
		start := time.Now()
		_, err := cb.Execute(func() (any, error) {
			return nil, c.invoke(ctx, region, target, method, req, resp)
		})
		rpcLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
		result := "ok"
		if err != nil {
			result = "error"
		}
		rpcCalls.WithLabelValues(op, result, region).Inc()

		if err == nil {
			return nil
		}
		if IsCircuitOpen(err) {
			// Surfaced immediately so the host can fall back to another
			// factor; the channel pool was never touched.
			return trace.Wrap(err)
		}
		if !IsRetryable(err) || attempt >= c.cfg.RetryMaxAttempts {
			return ConvertError(err)
		}
		delay := c.jitter(backoff)
		backoff = time.Duration(float64(backoff) * c.cfg.RetryBackoffMultiplier)
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			// Not enough budget left for another attempt.
			return ConvertError(err)
		}
		rpcRetries.WithLabelValues(op).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// invoke performs a single attempt on a pooled channel.
func (c *Client) invoke(ctx context.Context, region, target, method string, req, resp any) error {
	cred, err := c.signer.Credential()
	if err != nil {
		return trace.Wrap(err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", "Bearer "+cred,
		"x-bws-client", faceauth.Version,
	)
	ch, err := c.pool.checkout(ctx, region, target)
	if err != nil {
		return trace.Wrap(err)
	}
	err = ch.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
	c.pool.checkin(ch, err)
	return err
}

// Enroll creates or rebuilds the template from the capture set.
func (c *Client) Enroll(ctx context.Context, templateID types.TemplateID, images []types.Image, tags []string) (*EnrollResult, error) {
	req := &enrollRequest{
		TemplateID: int64(templateID),
		Images:     imagePayloads(images),
		Tags:       tags,
	}
	var resp enrollResponse
	if err := c.call(ctx, OpEnroll, req, &resp, methodEnroll); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := businessError(resp.Errors); err != nil {
		return nil, err
	}
	return &EnrollResult{
		Action:           types.EnrollAction(resp.Action),
		EncoderVersion:   resp.EncoderVersion,
		FeatureVectors:   resp.FeatureVectors,
		ThumbnailsStored: resp.ThumbnailsStored,
	}, nil
}

// Verify matches a single capture against the template.
func (c *Client) Verify(ctx context.Context, templateID types.TemplateID, image types.Image) (*VerifyResult, error) {
	return c.verify(ctx, templateID, []types.Image{image})
}

// VerifyMulti matches several captures against the template.
func (c *Client) VerifyMulti(ctx context.Context, templateID types.TemplateID, images []types.Image) (*VerifyResult, error) {
	return c.verify(ctx, templateID, images)
}

func (c *Client) verify(ctx context.Context, templateID types.TemplateID, images []types.Image) (*VerifyResult, error) {
	req := &verifyRequest{
		TemplateID: int64(templateID),
		Images:     imagePayloads(images),
	}
	var resp verifyResponse
	if err := c.call(ctx, OpVerify, req, &resp, methodVerify); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := businessError(resp.Errors); err != nil {
		return nil, err
	}
	return &VerifyResult{Score: resp.Score}, nil
}

// Liveness runs spoof detection over the capture set. A negative
// decision is a valid result, not an error; the rejection code carries
// the reason.
func (c *Client) Liveness(ctx context.Context, images []types.Image, mode types.LivenessMode, tags []string) (*LivenessResult, error) {
	req := &livenessRequest{
		Images: imagePayloads(images),
		Mode:   string(mode),
		Tags:   tags,
	}
	var resp livenessResponse
	if err := c.call(ctx, OpLiveness, req, &resp, methodLiveness); err != nil {
		return nil, trace.Wrap(err)
	}
	result := &LivenessResult{
		Alive:           resp.Alive,
		Score:           resp.Score,
		ProcessingTime:  time.Duration(resp.ProcessingTimeMs) * time.Millisecond,
		ImageProperties: resp.ImageProperties,
	}
	if len(resp.Errors) > 0 {
		result.Alive = false
		result.RejectionCode = resp.Errors[0]
	}
	return result, nil
}

// GetTemplateStatus returns the template snapshot. Thumbnails are only
// fetched when explicitly requested and must be zeroized by the caller.
func (c *Client) GetTemplateStatus(ctx context.Context, templateID types.TemplateID, includeThumbnails bool) (*types.TemplateStatus, error) {
	req := &statusRequest{
		TemplateID:        int64(templateID),
		IncludeThumbnails: includeThumbnails,
	}
	var resp statusResponse
	if err := c.call(ctx, OpStatus, req, &resp, methodGetStatus); err != nil {
		return nil, trace.Wrap(err)
	}
	status := &types.TemplateStatus{
		TemplateID:         templateID,
		Available:          resp.Available,
		EnrolledAt:         resp.EnrolledAt,
		Tags:               resp.Tags,
		EncoderVersion:     resp.EncoderVersion,
		FeatureVectorCount: resp.FeatureVectorCount,
		ThumbnailsStored:   resp.ThumbnailsStored,
	}
	for _, th := range resp.Thumbnails {
		status.Thumbnails = append(status.Thumbnails, types.Thumbnail{
			Data:  th.Data,
			Codec: types.ImageCodec(th.Codec),
		})
	}
	return status, nil
}

// GetTemplateStatusBatch fans status lookups out with bounded
// concurrency, preserving input order.
func (c *Client) GetTemplateStatusBatch(ctx context.Context, templateIDs []types.TemplateID, includeThumbnails bool) ([]types.TemplateStatus, error) {
	out := make([]types.TemplateStatus, len(templateIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.BatchStatusConcurrency)
	for i, id := range templateIDs {
		group.Go(func() error {
			status, err := c.GetTemplateStatus(groupCtx, id, includeThumbnails)
			if err != nil {
				return trace.Wrap(err, "template %v", id)
			}
			out[i] = *status
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// DeleteTemplate removes the template. Deletion is idempotent: a
// template that is already gone reports AlreadyAbsent with no error.
func (c *Client) DeleteTemplate(ctx context.Context, templateID types.TemplateID) (DeleteOutcome, error) {
	req := &deleteRequest{TemplateID: int64(templateID)}
	var resp deleteResponse
	if err := c.call(ctx, OpDelete, req, &resp, methodDelete); err != nil {
		if trace.IsNotFound(err) {
			return AlreadyAbsent, nil
		}
		return "", trace.Wrap(err)
	}
	if !resp.Deleted {
		return AlreadyAbsent, nil
	}
	return Deleted, nil
}

// BatchDeleteResult is the per-id outcome of a batched deletion.
type BatchDeleteResult struct {
	// TemplateID is the target template.
	TemplateID types.TemplateID
	// Outcome is set when the deletion concluded.
	Outcome DeleteOutcome
	// Err is set when the deletion failed.
	Err error
}

// DeleteTemplatesBatch deletes several templates, reporting each outcome
// independently.
func (c *Client) DeleteTemplatesBatch(ctx context.Context, templateIDs []types.TemplateID) []BatchDeleteResult {
	results := make([]BatchDeleteResult, len(templateIDs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, defaults.BatchStatusConcurrency)
	for i, id := range templateIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome, err := c.DeleteTemplate(ctx, id)
			results[i] = BatchDeleteResult{TemplateID: id, Outcome: outcome, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// SetTemplateTags replaces the tags stored on the template.
func (c *Client) SetTemplateTags(ctx context.Context, templateID types.TemplateID, tags []string) error {
	req := &setTagsRequest{TemplateID: int64(templateID), Tags: tags}
	var resp setTagsResponse
	return trace.Wrap(c.call(ctx, OpSetTags, req, &resp, methodSetTags))
}

// ServiceHealth returns the active region's health snapshot, served from
// a short-lived cache.
func (c *Client) ServiceHealth(ctx context.Context) (*ServiceHealth, error) {
	c.healthMu.Lock()
	if c.healthCached != nil && c.cfg.Clock.Now().Sub(c.healthAt) < defaults.ServiceHealthCacheTTL {
		cached := *c.healthCached
		c.healthMu.Unlock()
		return &cached, nil
	}
	c.healthMu.Unlock()

	var resp healthResponse
	if err := c.call(ctx, OpHealth, &healthRequest{}, &resp, methodHealth); err != nil {
		return nil, trace.Wrap(err)
	}
	health := &ServiceHealth{
		Available:      resp.Available,
		AverageLatency: time.Duration(resp.AverageLatencyMs * float64(time.Millisecond)),
		ErrorRate1m:    resp.ErrorRate1m,
	}
	c.healthMu.Lock()
	c.healthCached = health
	c.healthAt = c.cfg.Clock.Now()
	c.healthMu.Unlock()
	cached := *health
	return &cached, nil
}

// runProber probes every configured region on the configured cadence and
// feeds the outcomes into the router.
func (c *Client) runProber(ctx context.Context) {
	defer close(c.done)
	jitter := retryutils.NewSeventhJitter()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(jitter(c.cfg.ProbeInterval)):
		}
		for _, region := range c.router.Regions() {
			c.probeRegion(ctx, region)
		}
	}
}

// probeRegion issues one health probe directly against a region,
// bypassing breaker and retry so that probe outcomes are raw.
func (c *Client) probeRegion(ctx context.Context, region string) {
	target, err := c.router.TargetFor(region)
	if err != nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, operationDeadlines[OpHealth])
	defer cancel()
	start := time.Now()
	var resp healthResponse
	err = c.invoke(probeCtx, region, target, methodHealth, &healthRequest{}, &resp)
	ok := err == nil && resp.Available
	c.router.RecordProbe(region, ok, time.Since(start))
}
