package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"yieldpass/crypto"
	"yieldpass/native/adapter"
	"yieldpass/native/yieldpass"
	"yieldpass/observability/metrics"
)

type deployParams struct {
	Caller         string `json:"caller"`
	NodeToken      string `json:"nodeToken"`
	StartTime      int64  `json:"startTime"`
	ExpiryTime     int64  `json:"expiryTime"`
	TransferLocked bool   `json:"transferLocked"`
	Adapter        string `json:"adapter"`
}

type setAdapterParams struct {
	Caller    string `json:"caller"`
	YieldPass string `json:"yieldPass"`
	Adapter   string `json:"adapter"`
}

type setTransferPolicyParams struct {
	Caller    string `json:"caller"`
	YieldPass string `json:"yieldPass"`
	Locked    bool   `json:"locked"`
}

type quoteMintParams struct {
	YieldPass string `json:"yieldPass"`
	NodeCount int    `json:"nodeCount"`
}

type mintParams struct {
	Caller           string   `json:"caller"`
	YieldPass        string   `json:"yieldPass"`
	Holder           string   `json:"holder"`
	ShareRecipient   string   `json:"shareRecipient"`
	ReceiptRecipient string   `json:"receiptRecipient"`
	Deadline         int64    `json:"deadline,omitempty"`
	TokenIDs         []uint64 `json:"tokenIds"`
	SetupData        string   `json:"setupData,omitempty"`
	ProxySignature   string   `json:"proxySignature,omitempty"`
}

type harvestParams struct {
	YieldPass   string `json:"yieldPass"`
	HarvestData string `json:"harvestData,omitempty"`
}

type claimParams struct {
	Caller      string `json:"caller"`
	YieldPass   string `json:"yieldPass"`
	Recipient   string `json:"recipient"`
	ShareAmount string `json:"shareAmount"`
}

type redeemParams struct {
	Caller    string   `json:"caller"`
	YieldPass string   `json:"yieldPass"`
	Recipient string   `json:"recipient"`
	TokenIDs  []uint64 `json:"tokenIds"`
}

type withdrawParams struct {
	Caller    string   `json:"caller"`
	YieldPass string   `json:"yieldPass"`
	TokenIDs  []uint64 `json:"tokenIds"`
}

type marketJSON struct {
	YieldPass      string `json:"yieldPass"`
	NodePass       string `json:"nodePass"`
	NodeToken      string `json:"nodeToken"`
	StartTime      int64  `json:"startTime"`
	ExpiryTime     int64  `json:"expiryTime"`
	Adapter        string `json:"adapter"`
	TransferLocked bool   `json:"transferLocked"`
	CreatedAt      int64  `json:"createdAt"`
}

type claimStateJSON struct {
	Shares  string `json:"shares"`
	Balance string `json:"balance"`
	Total   string `json:"total"`
}

type mintResultJSON struct {
	ShareAmount string   `json:"shareAmount"`
	TokenIDs    []uint64 `json:"tokenIds"`
	Operators   []string `json:"operators"`
}

func marketToJSON(m *yieldpass.Market) marketJSON {
	return marketJSON{
		YieldPass:      hex.EncodeToString(m.YieldPassToken[:]),
		NodePass:       hex.EncodeToString(m.NodePassToken[:]),
		NodeToken:      hex.EncodeToString(m.NodeToken[:]),
		StartTime:      m.StartTime,
		ExpiryTime:     m.ExpiryTime,
		Adapter:        m.Adapter,
		TransferLocked: m.TransferLocked,
		CreatedAt:      m.CreatedAt,
	}
}

func parseBech32Address(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

func parseTokenAddress(value string) ([20]byte, error) {
	var token [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return token, err
	}
	if len(raw) != 20 {
		return token, fmt.Errorf("token identifier must be 20 bytes, got %d", len(raw))
	}
	copy(token[:], raw)
	return token, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func decodeSingleParam(req *RPCRequest, target interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], target)
}

func decodeHexPayload(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, nil
	}
	return hex.DecodeString(trimmed)
}

func engineErrorCode(err error) int {
	switch {
	case errors.Is(err, yieldpass.ErrInvalidYieldPass):
		return codeNotFound
	case errors.Is(err, yieldpass.ErrInvalidWindow), errors.Is(err, adapter.ErrInvalidWindow):
		return codeWindow
	case errors.Is(err, yieldpass.ErrUnauthorized),
		errors.Is(err, yieldpass.ErrInvalidSignature),
		errors.Is(err, yieldpass.ErrInvalidDeadline),
		errors.Is(err, yieldpass.ErrInvalidRecipient),
		errors.Is(err, yieldpass.ErrInvalidRedemption),
		errors.Is(err, adapter.ErrInvalidRecipient):
		return codeAuth
	case errors.Is(err, yieldpass.ErrInvalidAmount),
		errors.Is(err, yieldpass.ErrInvalidTokenIDs),
		errors.Is(err, yieldpass.ErrInvalidExpiry),
		errors.Is(err, yieldpass.ErrInvalidAdapter):
		return codeAccount
	case errors.Is(err, yieldpass.ErrAlreadyDeployed),
		errors.Is(err, yieldpass.ErrInvalidWithdrawal),
		errors.Is(err, adapter.ErrHarvestNotCompleted),
		errors.Is(err, adapter.ErrHarvestCompleted),
		errors.Is(err, adapter.ErrOrderProcessed):
		return codeStateConflict
	case errors.Is(err, adapter.ErrInvalidSetup), errors.Is(err, adapter.ErrNotEscrowed):
		return codeAdapter
	default:
		return codeServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, method string, err error) {
	metrics.YieldPass().ObserveFailure(method)
	writeError(w, http.StatusOK, req.ID, engineErrorCode(err), err.Error(), nil)
}

func (s *Server) handleDeploy(w http.ResponseWriter, req *RPCRequest) {
	var params deployParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	nodeToken, err := parseTokenAddress(params.NodeToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	market, err := s.engine.DeployYieldPass(caller, nodeToken, params.StartTime, params.ExpiryTime, params.TransferLocked, params.Adapter)
	if err != nil {
		s.writeEngineError(w, req, "deploy", err)
		return
	}
	metrics.YieldPass().ObserveMarketDeployed()
	writeResult(w, req.ID, marketToJSON(market))
}

func (s *Server) handleSetAdapter(w http.ResponseWriter, req *RPCRequest) {
	var params setAdapterParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.SetYieldAdapter(caller, yieldPass, params.Adapter); err != nil {
		s.writeEngineError(w, req, "setAdapter", err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetTransferPolicy(w http.ResponseWriter, req *RPCRequest) {
	var params setTransferPolicyParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.SetTransferPolicy(caller, yieldPass, params.Locked); err != nil {
		s.writeEngineError(w, req, "setTransferPolicy", err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleQuoteMint(w http.ResponseWriter, req *RPCRequest) {
	var params quoteMintParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.engine.QuoteMint(yieldPass, params.NodeCount)
	if err != nil {
		s.writeEngineError(w, req, "quoteMint", err)
		return
	}
	writeResult(w, req.ID, amount.String())
}

func parseMintParams(params *mintParams) ([20]byte, yieldpass.MintParams, error) {
	var out yieldpass.MintParams
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return caller, out, err
	}
	if out.YieldPass, err = parseTokenAddress(params.YieldPass); err != nil {
		return caller, out, err
	}
	if out.Holder, err = parseBech32Address(params.Holder); err != nil {
		return caller, out, err
	}
	if out.ShareRecipient, err = parseBech32Address(params.ShareRecipient); err != nil {
		return caller, out, err
	}
	if out.ReceiptRecipient, err = parseBech32Address(params.ReceiptRecipient); err != nil {
		return caller, out, err
	}
	out.Deadline = params.Deadline
	out.TokenIDs = append([]uint64(nil), params.TokenIDs...)
	if out.SetupData, err = decodeHexPayload(params.SetupData); err != nil {
		return caller, out, err
	}
	if out.ProxySignature, err = decodeHexPayload(params.ProxySignature); err != nil {
		return caller, out, err
	}
	return caller, out, nil
}

func (s *Server) handleMint(w http.ResponseWriter, req *RPCRequest) {
	var params mintParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, engineParams, err := parseMintParams(&params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := s.engine.Mint(caller, engineParams)
	if err != nil {
		s.writeEngineError(w, req, "mint", err)
		return
	}
	shareUnits, _ := new(big.Float).SetInt(result.ShareAmount).Float64()
	metrics.YieldPass().ObserveMint(params.YieldPass, shareUnits)
	writeResult(w, req.ID, mintResultJSON{
		ShareAmount: result.ShareAmount.String(),
		TokenIDs:    result.TokenIDs,
		Operators:   result.Operators,
	})
}

func (s *Server) handleHarvest(w http.ResponseWriter, req *RPCRequest) {
	var params harvestParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	harvestData, err := decodeHexPayload(params.HarvestData)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.engine.Harvest(yieldPass, harvestData)
	if err != nil {
		s.writeEngineError(w, req, "harvest", err)
		return
	}
	units, _ := new(big.Float).SetInt(amount).Float64()
	metrics.YieldPass().ObserveHarvest(params.YieldPass, units)
	writeResult(w, req.ID, amount.String())
}

func (s *Server) handleClaim(w http.ResponseWriter, req *RPCRequest) {
	var params claimParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseBech32Address(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	shareAmount, err := parsePositiveBigInt(params.ShareAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldAmount, err := s.engine.Claim(caller, yieldPass, recipient, shareAmount)
	if err != nil {
		s.writeEngineError(w, req, "claim", err)
		return
	}
	metrics.YieldPass().ObserveClaim(params.YieldPass)
	writeResult(w, req.ID, yieldAmount.String())
}

func (s *Server) handleRedeem(w http.ResponseWriter, req *RPCRequest) {
	var params redeemParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseBech32Address(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := s.engine.Redeem(caller, yieldPass, recipient, params.TokenIDs)
	if err != nil {
		s.writeEngineError(w, req, "redeem", err)
		return
	}
	metrics.YieldPass().ObserveRedemption(params.YieldPass)
	writeResult(w, req.ID, hex.EncodeToString(key[:]))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params withdrawParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := s.engine.Withdraw(caller, yieldPass, params.TokenIDs)
	if err != nil {
		s.writeEngineError(w, req, "withdraw", err)
		return
	}
	metrics.YieldPass().ObserveWithdrawal(params.YieldPass)
	writeResult(w, req.ID, crypto.NewAddress(crypto.AccountPrefix, recipient[:]).String())
}

func (s *Server) handleMarket(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		YieldPass string `json:"yieldPass"`
	}
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	market, err := s.engine.Market(yieldPass)
	if err != nil {
		s.writeEngineError(w, req, "market", err)
		return
	}
	writeResult(w, req.ID, marketToJSON(market))
}

func (s *Server) handleMarkets(w http.ResponseWriter, req *RPCRequest) {
	markets, err := s.engine.Markets()
	if err != nil {
		s.writeEngineError(w, req, "markets", err)
		return
	}
	out := make([]marketJSON, 0, len(markets))
	for _, market := range markets {
		out = append(out, marketToJSON(market))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleClaimState(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		YieldPass string `json:"yieldPass"`
	}
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	claim, err := s.engine.ClaimState(yieldPass)
	if err != nil {
		s.writeEngineError(w, req, "claimState", err)
		return
	}
	writeResult(w, req.ID, claimStateJSON{
		Shares:  claim.Shares.String(),
		Balance: claim.Balance.String(),
		Total:   claim.Total.String(),
	})
}

func (s *Server) handleShareBalance(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		YieldPass string `json:"yieldPass"`
		Owner     string `json:"owner"`
	}
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	yieldPass, err := parseTokenAddress(params.YieldPass)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.ShareBalance(yieldPass, owner)
	if err != nil {
		s.writeEngineError(w, req, "shareBalance", err)
		return
	}
	writeResult(w, req.ID, balance.String())
}
