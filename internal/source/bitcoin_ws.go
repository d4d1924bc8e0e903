package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/bitcoin"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// reconnectDelay paces websocket redials after a dropped subscription.
const reconnectDelay = 3 * time.Second

// BitcoinWS consumes a Bitcoin node's push notification feed over a
// websocket and fetches block bodies over the node's HTTP endpoint.
type BitcoinWS struct {
	wsURL   string
	httpURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewBitcoinWS creates a Bitcoin source. wsURL is the node's notification
// endpoint; httpURL the REST endpoint for block and header fetches.
func NewBitcoinWS(wsURL, httpURL string, logger zerolog.Logger) *BitcoinWS {
	return &BitcoinWS{
		wsURL:   wsURL,
		httpURL: httpURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

// headerNotification is the push message shape on the subscription feed.
type headerNotification struct {
	Height     uint64     `json:"height"`
	Hash       types.Hash `json:"hash"`
	ParentHash types.Hash `json:"parent_hash"`
	Timestamp  uint64     `json:"timestamp"`
}

// Subscribe dials the notification feed and streams headers. The reader
// redials on transport errors until ctx is cancelled, so delivery is at
// least once.
func (s *BitcoinWS) Subscribe(ctx context.Context) (<-chan store.HeaderRecord, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, s.wsURL, err)
	}

	out := make(chan store.HeaderRecord, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			if err := s.readLoop(ctx, conn, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Msg("subscription dropped, reconnecting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			conn, _, err = websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
			if err != nil {
				s.log.Warn().Err(err).Msg("reconnect failed")
				conn = nil
				continue
			}
		}
	}()
	return out, nil
}

func (s *BitcoinWS) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- store.HeaderRecord) error {
	if conn == nil {
		return fmt.Errorf("%w: no connection", ErrUnavailable)
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var n headerNotification
		if err := json.Unmarshal(msg, &n); err != nil {
			s.log.Warn().Err(err).Str("chain", "bitcoin").Str("error_kind", "UpstreamMalformed").
				Msg("skipping malformed header notification")
			continue
		}
		h := store.HeaderRecord{
			ID:        types.BlockID{Height: n.Height, Hash: n.Hash},
			Parent:    n.ParentHash,
			Timestamp: n.Timestamp,
		}
		select {
		case out <- h:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetBlock fetches a parsed block by hash.
func (s *BitcoinWS) GetBlock(ctx context.Context, hash types.Hash) (*Block, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/block/%s", s.httpURL, hash))
	if err != nil {
		return nil, err
	}
	var blk bitcoin.Block
	if err := json.Unmarshal(body, &blk); err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrMalformed, hash.Short(), err)
	}
	return &Block{Chain: types.ChainBitcoin, Bitcoin: &blk}, nil
}

// GetHeaderByHeight fetches the node's current header at a height.
func (s *BitcoinWS) GetHeaderByHeight(ctx context.Context, height uint64) (store.HeaderRecord, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/header/%d", s.httpURL, height))
	if err != nil {
		return store.HeaderRecord{}, err
	}
	var n headerNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return store.HeaderRecord{}, fmt.Errorf("%w: header at %d: %v", ErrMalformed, height, err)
	}
	return store.HeaderRecord{
		ID:        types.BlockID{Height: n.Height, Hash: n.Hash},
		Parent:    n.ParentHash,
		Timestamp: n.Timestamp,
	}, nil
}

func (s *BitcoinWS) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, url, resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return buf.Bytes(), nil
}
