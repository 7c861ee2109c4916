package rpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/utils"
)

// TxSendRequest is the node admin payload for a single transfer.
type TxSendRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	Output   string `json:"output"`
	Amount   string `json:"amount"`
	Submit   bool   `json:"submit"`
}

// TxSendResponse carries the hash of the submitted transaction.
type TxSendResponse struct {
	Hash string `json:"hash"`
}

// TxSender submits transactions through a node's admin API.
type TxSender struct {
	client *HTTPClient
}

// NewTxSender builds a sender from TX_RPC_ENDPOINTS and TX_RPC_RPS.
func NewTxSender() (*TxSender, error) {
	endpoints := utils.EnvList("TX_RPC_ENDPOINTS", []string{"http://localhost:50003"})
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("TX_RPC_ENDPOINTS is empty")
	}
	return NewTxSenderWithOpts(Opts{
		Endpoints: endpoints,
		RPS:       utils.EnvInt("TX_RPC_RPS", 20),
		Timeout:   utils.EnvDuration("TX_RPC_TIMEOUT", 15*time.Second),
	}), nil
}

// NewTxSenderWithOpts builds a sender over an explicitly configured client.
func NewTxSenderWithOpts(o Opts) *TxSender {
	return &TxSender{client: NewHTTPWithOpts(o)}
}

// Send submits one transfer of value from source to destination and returns its hash.
func (s *TxSender) Send(ctx context.Context, source, credential, destination, value string) (string, error) {
	var resp TxSendResponse
	err := s.client.doJSON(ctx, http.MethodPost, txSendPath, TxSendRequest{
		Address:  source,
		Password: credential,
		Output:   destination,
		Amount:   value,
		Submit:   true,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("tx-send %s -> %s: %w", source, destination, err)
	}
	return resp.Hash, nil
}

// LogSender logs transfers instead of sending them.
type LogSender struct {
	Logger *zap.Logger
}

// NewLogSender creates a new dry-run sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(_ context.Context, source, _, destination, value string) (string, error) {
	s.Logger.Info("Dry-run transaction",
		zap.String("source", source),
		zap.String("destination", destination),
		zap.String("value", value))
	return "", nil
}
