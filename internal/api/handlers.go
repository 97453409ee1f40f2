package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"WalletPilot/internal/agent"
	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/storage"
	"WalletPilot/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	defaultTxPageSize = 20
	maxTxPageSize     = 100
)

// handleChat 处理一轮对话。限额拒绝、余额不足等业务失败以 200 + success=false 返回。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "Agent")
		return
	}
	var req agent.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: message", nil)
		return
	}
	if agent.SessionKey(req) == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: address、email 或 session_id", nil)
		return
	}

	resp, err := s.deps.Chat.HandleMessage(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: !businessFailure(resp.Action),
		Message: resp.Reply,
		Data:    resp,
	})
}

func businessFailure(action *agent.Action) bool {
	if action == nil {
		return false
	}
	switch action.Status {
	case agent.ActionRejected, agent.ActionFailed:
		return true
	}
	return false
}

type statusPayload struct {
	Status     string   `json:"status"`
	Time       string   `json:"time"`
	Chain      any      `json:"chain,omitempty"`
	ChainError string   `json:"chain_error,omitempty"`
	Tokens     []string `json:"tokens,omitempty"`
	Native     string   `json:"native,omitempty"`
}

// handleStatus 返回服务与链的概要状态；节点不可达时状态为 degraded。
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)}
	if s.deps.Tokens != nil {
		payload.Native = s.deps.Tokens.Native().Symbol
		for _, tok := range s.deps.Tokens.All() {
			payload.Tokens = append(payload.Tokens, tok.Symbol)
		}
	}
	if s.deps.Chain != nil {
		snapshot, err := s.deps.Chain.FetchChainSnapshot(r.Context())
		if err != nil {
			logger.FromContext(r.Context()).Warn("获取链状态失败", slog.Any("error", err))
			payload.Status = "degraded"
			payload.ChainError = "ledger unavailable"
		} else {
			payload.Chain = snapshot
		}
	}
	writeSuccess(w, "", payload)
}

// pathAddress 读取并校验路径中的钱包地址。
func pathAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: address", nil)
		return "", false
	}
	if !common.IsHexAddress(address) {
		writeFailure(w, http.StatusBadRequest, "钱包地址格式不正确", nil)
		return "", false
	}
	return limits.NormalizeAddress(address), true
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		unavailable(w, "Limits")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	current, err := s.deps.Limits.Get(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "", current)
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		unavailable(w, "Limits")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	var patch limits.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.deps.Limits.Update(r.Context(), address, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "限额已更新", updated)
}

func (s *Server) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		unavailable(w, "Limits")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	reset, err := s.deps.Limits.Reset(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "限额已恢复默认值", reset)
}

type checkRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	To     string           `json:"to"`
}

// handleCheckLimits 只做校验不执行转账，拒绝时以 success=false 返回裁决。
func (s *Server) handleCheckLimits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		unavailable(w, "Limits")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Amount == nil {
		writeFailure(w, http.StatusBadRequest, "缺少字段: amount", nil)
		return
	}
	if !req.Amount.IsPositive() {
		writeFailure(w, http.StatusBadRequest, "转账金额必须大于 0", nil)
		return
	}
	verdict := s.deps.Limits.Check(r.Context(), address, *req.Amount, strings.TrimSpace(req.To))
	if !verdict.Allowed {
		writeFailure(w, http.StatusOK, verdict.Reason, verdict)
		return
	}
	writeSuccess(w, verdict.Reason, verdict)
}

func (s *Server) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		unavailable(w, "Users")
		return
	}
	var user storage.User
	if err := decodeBody(w, r, &user); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(user.Email) == "" || strings.TrimSpace(user.Address) == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: email 与 address", nil)
		return
	}
	if err := storage.ValidateUser(user); err != nil {
		writeError(w, r, err)
		return
	}
	if !common.IsHexAddress(user.Address) {
		writeFailure(w, http.StatusBadRequest, "钱包地址格式不正确", nil)
		return
	}
	user.Email = storage.NormalizeEmail(user.Email)
	user.Address = limits.NormalizeAddress(user.Address)
	if err := s.deps.Users.SaveUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "联系人已保存", user)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		unavailable(w, "Users")
		return
	}
	email := storage.NormalizeEmail(chi.URLParam(r, "email"))
	if email == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: email", nil)
		return
	}
	user, err := s.deps.Users.FindUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "", user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		unavailable(w, "Users")
		return
	}
	users, err := s.deps.Users.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeSuccess(w, "", users)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Balances == nil {
		unavailable(w, "Executor")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	balances, err := s.deps.Balances.GetBalance(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "", map[string]any{"address": address, "balances": balances})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transactions == nil {
		unavailable(w, "Storage")
		return
	}
	address, ok := pathAddress(w, r)
	if !ok {
		return
	}
	limit := defaultTxPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = min(parsed, maxTxPageSize)
	}
	txs, err := s.deps.Transactions.ListTransactions(r.Context(), address, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []storage.Transaction{}
	}
	writeSuccess(w, "", txs)
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		unavailable(w, "Agent")
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeFailure(w, http.StatusBadRequest, "缺少字段: key", nil)
		return
	}
	switch {
	case common.IsHexAddress(key):
		key = limits.NormalizeAddress(key)
	case strings.Contains(key, "@"):
		key = storage.NormalizeEmail(key)
	}
	if err := s.deps.Chat.ClearConversation(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, "会话已清除", nil)
}
