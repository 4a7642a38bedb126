// Package redis carries backfill requests and responses over Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
)

const (
	DefaultRequestKey  = "attachdl:backfill:requests"
	DefaultResponseKey = "attachdl:backfill:responses"
)

// Transport implements domain.BackfillSender and consumes responses.
type Transport struct {
	rdb         *r.Client
	requestKey  string
	responseKey string
	block       time.Duration
	retryDelay  time.Duration
	log         *zap.SugaredLogger
}

// Options names the lists.
type Options struct {
	RequestKey  string
	ResponseKey string
	// Block is how long a single BRPOP waits.
	Block time.Duration
}

// New creates a transport over rdb.
func New(rdb *r.Client, opts Options, log *zap.SugaredLogger) *Transport {
	if opts.RequestKey == "" {
		opts.RequestKey = DefaultRequestKey
	}
	if opts.ResponseKey == "" {
		opts.ResponseKey = DefaultResponseKey
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Transport{
		rdb:         rdb,
		requestKey:  opts.RequestKey,
		responseKey: opts.ResponseKey,
		block:       opts.Block,
		retryDelay:  time.Second,
		log:         log.Named("redis"),
	}
}

// SendBackfillRequest pushes req onto the request list.
func (t *Transport) SendBackfillRequest(ctx context.Context, req domain.BackfillRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode backfill request: %w", err)
	}
	if err := t.rdb.LPush(ctx, t.requestKey, payload).Err(); err != nil {
		return fmt.Errorf("push backfill request: %w", err)
	}
	return nil
}

// PushResponse pushes resp onto the response list. Peers use it to answer.
func (t *Transport) PushResponse(ctx context.Context, resp domain.BackfillResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode backfill response: %w", err)
	}
	return t.rdb.LPush(ctx, t.responseKey, payload).Err()
}

func decodeResponse(raw string) (domain.BackfillResponse, error) {
	var resp domain.BackfillResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return resp, fmt.Errorf("decode backfill response: %w", err)
	}
	if resp.MessageID == "" {
		return resp, errors.New("decode backfill response: missing messageId")
	}
	return resp, nil
}

// Consume pops responses and hands them to handle until ctx ends.
func (t *Transport) Consume(ctx context.Context, handle func(context.Context, domain.BackfillResponse) error) error {
	t.log.Infof("consuming backfill responses from %s", t.responseKey)
	for {
		res, err := t.rdb.BRPop(ctx, t.block, t.responseKey).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, r.Nil) {
			continue
		}
		if err != nil {
			t.log.Warnf("pop backfill response: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.retryDelay):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		resp, err := decodeResponse(res[1])
		if err != nil {
			t.log.Errorf("%v", err)
			continue
		}
		if err := handle(ctx, resp); err != nil {
			t.log.Errorf("handle backfill response for %s: %v", resp.MessageID, err)
		}
	}
}

// Ping checks the connection.
func (t *Transport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
