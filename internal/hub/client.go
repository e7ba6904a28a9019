package hub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned when the hub does not know the requested message
	ErrNotFound = errors.New("hub: message not found")
	// ErrUpstream wraps transport failures and unexpected hub responses
	ErrUpstream = errors.New("hub: upstream error")
)

// Kind selects a per-account message listing
type Kind string

const (
	KindCasts         Kind = "casts"
	KindLikes         Kind = "likes"
	KindRecasts       Kind = "recasts"
	KindLinks         Kind = "links"
	KindUserData      Kind = "user_data"
	KindVerifications Kind = "verifications"
)

// Source is the upstream hub RPC surface the core consumes
type Source interface {
	GetCast(ctx context.Context, fid uint64, hash string) (*Message, error)
	MessagesByFid(ctx context.Context, fid uint64, kind Kind, pageToken string) (*Page, error)
}

// Client talks to a hub over its HTTP API
type Client struct {
	http     *fasthttp.Client
	baseURL  string
	timeout  time.Duration
	pageSize int
	limiter  *rate.Limiter
	logger   *ops.Logger
	metrics  *ops.Metrics
}

// New creates a hub client with the given configuration
func New(cfg *config.Hub) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		http: &fasthttp.Client{
			Name:                "castfeed",
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout(),
			WriteTimeout:        cfg.Timeout(),
			MaxIdleConnDuration: time.Minute,
		},
		baseURL:  cfg.URL,
		timeout:  cfg.Timeout(),
		pageSize: cfg.PageSize,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   ops.Default().WithComponent("hub"),
	}
}

// Instrument reports every request to logger and metrics. Either may be nil.
func (c *Client) Instrument(logger *ops.Logger, metrics *ops.Metrics) *Client {
	if logger != nil {
		c.logger = logger.WithComponent("hub")
	}
	c.metrics = metrics
	return c
}

func (c *Client) observe(op string, fid uint64, start time.Time, err error) {
	// A missing message is an answer, not a failed request
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	c.logger.LogHubRequest(op, fid, time.Since(start), err)
	c.metrics.IncHubRequest(op, err)
}

// GetCast fetches a single cast by author and hash
func (c *Client) GetCast(ctx context.Context, fid uint64, hash string) (msg *Message, err error) {
	defer func(start time.Time) { c.observe("get_cast", fid, start, err) }(time.Now())

	q := url.Values{}
	q.Set("fid", strconv.FormatUint(fid, 10))
	q.Set("hash", hash)

	msg = &Message{}
	if err := c.get(ctx, "/v1/castById", q, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// MessagesByFid fetches one page of an account's messages of the given kind
func (c *Client) MessagesByFid(ctx context.Context, fid uint64, kind Kind, pageToken string) (page *Page, err error) {
	defer func(start time.Time) { c.observe("messages_by_fid_"+string(kind), fid, start, err) }(time.Now())

	q := url.Values{}
	q.Set("fid", strconv.FormatUint(fid, 10))
	if c.pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(c.pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var path string
	switch kind {
	case KindCasts:
		path = "/v1/castsByFid"
	case KindLikes:
		path = "/v1/reactionsByFid"
		q.Set("reaction_type", string(ReactionTypeLike))
	case KindRecasts:
		path = "/v1/reactionsByFid"
		q.Set("reaction_type", string(ReactionTypeRecast))
	case KindLinks:
		path = "/v1/linksByFid"
		q.Set("link_type", "follow")
	case KindUserData:
		path = "/v1/userDataByFid"
	case KindVerifications:
		path = "/v1/verificationsByFid"
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}

	page = &Page{}
	if err := c.get(ctx, path, q, page); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrUpstream, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path + "?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstream, path, err)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusNotFound:
		return ErrNotFound
	case status >= 300:
		return fmt.Errorf("%w: %s returned status %d", ErrUpstream, path, status)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrUpstream, path, err)
	}
	return nil
}

// AllByFid loops over every page of an account's messages of one kind
func AllByFid(ctx context.Context, src Source, fid uint64, kind Kind) ([]*Message, error) {
	var (
		all   []*Message
		token string
	)
	for {
		page, err := src.MessagesByFid(ctx, fid, kind, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s for fid %d: %w", kind, fid, err)
		}
		all = append(all, page.Messages...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}
