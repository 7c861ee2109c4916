package rpc

// Node admin endpoint paths.
const (
	txSendPath = "/v1/admin/tx-send"
)
