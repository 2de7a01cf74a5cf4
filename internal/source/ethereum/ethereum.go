package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultRangeStep    = 1024
	logBuffer           = 64
)

// Factory builds an object source over EVM chain logs. A websocket endpoint
// enables live subscriptions; without one the source falls back to polling
// eth_getLogs. Offset is the block number of the last delivered log.
type Factory struct{}

// Kind 实现 source.Factory。
func (Factory) Kind() string { return "ethereum_logs" }

// Capabilities 声明链上日志源需要的能力。
func (Factory) Capabilities() []source.Capability {
	return []source.Capability{source.CapabilityNet}
}

// Open 实现 source.Factory。
func (Factory) Open(ctx context.Context, opts source.Options) (source.Opened, error) {
	rpcURL := source.StringParam(opts.Params, "rpc_url", "")
	if rpcURL == "" {
		return source.Opened{}, fmt.Errorf("链上日志源 %s 缺少 rpc_url 参数", opts.Name)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return source.Opened{}, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	var wsClient *ethclient.Client
	if wsURL := source.StringParam(opts.Params, "ws_url", ""); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			wsClient = ethclient.NewClient(wsRPC)
		}
	}

	var addresses []common.Address
	for _, raw := range source.StringsParam(opts.Params, "addresses") {
		addresses = append(addresses, common.HexToAddress(raw))
	}

	fromBlock := uint64(source.IntParam(opts.Params, "from_block", 0))
	if opts.Resume != "" {
		block, err := strconv.ParseUint(opts.Resume, 10, 64)
		if err != nil {
			eth.Close()
			if wsClient != nil {
				wsClient.Close()
			}
			return source.Opened{}, fmt.Errorf("链上日志源续传位置 %q 非法", opts.Resume)
		}
		// 续传从已确认的区块之后继续。
		fromBlock = block + 1
	}

	poll := time.Duration(source.IntParam(opts.Params, "poll_interval_ms", 0)) * time.Millisecond
	if poll <= 0 {
		poll = defaultPollInterval
	}
	rangeStep := source.IntParam(opts.Params, "range_step", defaultRangeStep)
	if rangeStep <= 0 {
		rangeStep = defaultRangeStep
	}

	return source.Opened{Source: &logSource{
		eth:       eth,
		ws:        wsClient,
		addresses: addresses,
		next:      fromBlock,
		poll:      poll,
		rangeStep: uint64(rangeStep),
	}}, nil
}

// logSource delivers chain logs either from a live websocket subscription or
// by polling filter ranges.
type logSource struct {
	mu        sync.Mutex
	eth       *ethclient.Client
	ws        *ethclient.Client
	addresses []common.Address
	next      uint64
	poll      time.Duration
	rangeStep uint64

	logs chan coretypes.Log
	sub  gethcore.Subscription
}

// Start 实现 stream.Source。有 websocket 端点时在这里建立日志订阅，
// 订阅失败则回退到轮询模式。
func (s *logSource) Start(ctx context.Context, _ *stream.Controller) error {
	if s.ws == nil {
		return nil
	}
	query := gethcore.FilterQuery{Addresses: s.addresses}
	if s.next > 0 {
		query.FromBlock = new(big.Int).SetUint64(s.next)
	}
	logs := make(chan coretypes.Log, logBuffer)
	sub, err := s.ws.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		// 订阅失败不算致命，继续用 HTTP 轮询。
		s.ws.Close()
		s.ws = nil
		return nil
	}
	s.logs = logs
	s.sub = sub
	return nil
}

// Pull 实现 stream.Source。
func (s *logSource) Pull(ctx context.Context, ctl *stream.Controller) error {
	if s.sub != nil {
		return s.pullSubscribed(ctx, ctl)
	}
	return s.pullPolled(ctx, ctl)
}

func (s *logSource) pullSubscribed(ctx context.Context, ctl *stream.Controller) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.sub.Err():
		if err == nil {
			return errors.New("日志订阅已结束")
		}
		return fmt.Errorf("日志订阅中断: %w", err)
	case l := <-s.logs:
		return s.enqueueLog(ctl, l)
	}
}

func (s *logSource) pullPolled(ctx context.Context, ctl *stream.Controller) error {
	latest, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	s.mu.Lock()
	from := s.next
	s.mu.Unlock()

	if from > latest {
		// 已追平链头，等待下一个轮询窗口。
		timer := time.NewTimer(s.poll)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	to := latest
	if from+s.rangeStep-1 < to {
		to = from + s.rangeStep - 1
	}
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: s.addresses,
	}
	logs, err := s.eth.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("查询区块日志失败: %w", err)
	}
	for _, l := range logs {
		if err := s.enqueueLog(ctl, l); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.next = to + 1
	s.mu.Unlock()
	return nil
}

// enqueueLog 把一条链上日志汇总为记录交给流。
func (s *logSource) enqueueLog(ctl *stream.Controller, l coretypes.Log) error {
	topics := make([]string, 0, len(l.Topics))
	for _, t := range l.Topics {
		topics = append(topics, t.Hex())
	}
	record := source.Record{
		Payload: map[string]any{
			"address":      l.Address.Hex(),
			"topics":       topics,
			"data":         "0x" + hex.EncodeToString(l.Data),
			"block_number": l.BlockNumber,
			"tx_hash":      l.TxHash.Hex(),
			"log_index":    l.Index,
			"removed":      l.Removed,
		},
		Offset: strconv.FormatUint(l.BlockNumber, 10),
		Bytes:  len(l.Data),
	}
	if err := ctl.Enqueue(record); err != nil {
		if errors.Is(err, stream.ErrStreamClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Cancel 实现 stream.Source。
func (s *logSource) Cancel(context.Context, error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}
	if s.eth != nil {
		s.eth.Close()
		s.eth = nil
	}
	return nil
}

var _ stream.Source = (*logSource)(nil)
