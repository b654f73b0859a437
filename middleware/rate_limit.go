/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware provides a middleware that limits the rate of incoming HTTP requests
// using the call rate limiter.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	"github.com/acronis/go-ratelimit"
)

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware that limits the rate of HTTP requests.
const RateLimitErrCode = "tooManyRequests"

// RateLimitRetryAfterLogFieldKey it is the name of the logged field that contains
// the estimated time after which the client may retry the rejected request.
const RateLimitRetryAfterLogFieldKey = "retry_after"

const userAgentLogFieldKey = "user_agent"

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	EstimatedRetryAfter time.Duration
}

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc
	DryRun             bool
	Logger             log.FieldLogger
	MetricsCollector   *MetricsCollector

	OnReject         RateLimitOnRejectFunc
	OnRejectInDryRun RateLimitOnRejectFunc
}

type rateLimitHandler struct {
	next           http.Handler
	limiter        *ratelimit.Limiter
	errDomain      string
	respStatusCode int
	getRetryAfter  RateLimitGetRetryAfterFunc
	dryRun         bool
	logger         log.FieldLogger
	metrics        *MetricsCollector
	onReject       RateLimitOnRejectFunc
}

// RateLimit is a middleware that limits the rate of incoming HTTP requests using the passed limiter.
// Over-budget requests are rejected with 503 status code and Retry-After response header.
func RateLimit(limiter *ratelimit.Limiter, errDomain string) func(next http.Handler) http.Handler {
	return RateLimitWithOpts(limiter, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of incoming HTTP requests.
func RateLimitWithOpts(
	limiter *ratelimit.Limiter, errDomain string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			limiter:        limiter,
			errDomain:      errDomain,
			respStatusCode: respStatusCode,
			getRetryAfter:  opts.GetRetryAfter,
			dryRun:         opts.DryRun,
			logger:         opts.Logger,
			metrics:        opts.MetricsCollector,
			onReject:       makeRateLimitOnRejectFunc(opts),
		}
	}
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	err := h.limiter.Attempt(r.Context())
	if err == nil {
		h.next.ServeHTTP(rw, r)
		return
	}

	retryAfter, ok := ratelimit.IsRateLimitExceeded(err)
	if !ok {
		// The only other way Attempt may fail is the cancellation of the request's
		// own context, in which case the client is already gone.
		return
	}

	if h.metrics != nil {
		h.metrics.IncRateLimitRejects(h.dryRun)
	}

	params := RateLimitParams{
		ErrDomain:           h.errDomain,
		ResponseStatusCode:  h.respStatusCode,
		GetRetryAfter:       h.getRetryAfter,
		EstimatedRetryAfter: retryAfter,
	}
	h.onReject(rw, r, params, h.next, h.logger)
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends a response with the configured status code, Retry-After header,
// and an error in the JSON body when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.Duration(RateLimitRetryAfterLogFieldKey, params.EstimatedRetryAfter),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))))
	}
	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, "Too many requests.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the rejection and serves the request
// when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.Duration(RateLimitRetryAfterLogFieldKey, params.EstimatedRetryAfter),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

func makeRateLimitOnRejectFunc(opts RateLimitOpts) RateLimitOnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRateLimitOnReject
}
