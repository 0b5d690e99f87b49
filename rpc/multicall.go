package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"yieldpass/native/yieldpass"
)

const maxMulticallCalls = 16

type multicallCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type multicallParams struct {
	Calls []multicallCall `json:"calls"`
}

// handleMulticall executes a sequence of write operations inside one state
// transaction. Either every call succeeds and commits together, or the first
// failure rolls back the whole batch.
func (s *Server) handleMulticall(w http.ResponseWriter, req *RPCRequest) {
	var params multicallParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if len(params.Calls) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "calls must not be empty")
		return
	}
	if len(params.Calls) > maxMulticallCalls {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params",
			fmt.Sprintf("at most %d calls per multicall", maxMulticallCalls))
		return
	}

	results := make([]interface{}, 0, len(params.Calls))
	var failedIndex int
	err := s.engine.Batch(func(b *yieldpass.Batch) error {
		for i, call := range params.Calls {
			failedIndex = i
			result, err := s.dispatchBatched(b, call)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		if parseErr, ok := err.(*multicallParseError); ok {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params",
				fmt.Sprintf("call %d: %s", failedIndex, parseErr.Error()))
			return
		}
		writeError(w, http.StatusOK, req.ID, engineErrorCode(err),
			fmt.Sprintf("call %d: %s", failedIndex, err.Error()), nil)
		return
	}
	writeResult(w, req.ID, results)
}

// multicallParseError separates malformed sub-call inputs from engine
// rejections so the response carries the right error code.
type multicallParseError struct {
	err error
}

func (e *multicallParseError) Error() string { return e.err.Error() }

func badCall(err error) error {
	return &multicallParseError{err: err}
}

func (s *Server) dispatchBatched(b *yieldpass.Batch, call multicallCall) (interface{}, error) {
	switch call.Method {
	case "yieldpass_mint":
		var params mintParams
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, badCall(err)
		}
		caller, engineParams, err := parseMintParams(&params)
		if err != nil {
			return nil, badCall(err)
		}
		result, err := b.Mint(caller, engineParams)
		if err != nil {
			return nil, err
		}
		return mintResultJSON{
			ShareAmount: result.ShareAmount.String(),
			TokenIDs:    result.TokenIDs,
			Operators:   result.Operators,
		}, nil
	case "yieldpass_harvest":
		var params harvestParams
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, badCall(err)
		}
		yieldPass, err := parseTokenAddress(params.YieldPass)
		if err != nil {
			return nil, badCall(err)
		}
		harvestData, err := decodeHexPayload(params.HarvestData)
		if err != nil {
			return nil, badCall(err)
		}
		amount, err := b.Harvest(yieldPass, harvestData)
		if err != nil {
			return nil, err
		}
		return amount.String(), nil
	case "yieldpass_claim":
		var params claimParams
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, badCall(err)
		}
		caller, err := parseBech32Address(params.Caller)
		if err != nil {
			return nil, badCall(err)
		}
		yieldPass, err := parseTokenAddress(params.YieldPass)
		if err != nil {
			return nil, badCall(err)
		}
		recipient, err := parseBech32Address(params.Recipient)
		if err != nil {
			return nil, badCall(err)
		}
		shareAmount, err := parsePositiveBigInt(params.ShareAmount)
		if err != nil {
			return nil, badCall(err)
		}
		yieldAmount, err := b.Claim(caller, yieldPass, recipient, shareAmount)
		if err != nil {
			return nil, err
		}
		return yieldAmount.String(), nil
	case "yieldpass_redeem":
		var params redeemParams
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, badCall(err)
		}
		caller, err := parseBech32Address(params.Caller)
		if err != nil {
			return nil, badCall(err)
		}
		yieldPass, err := parseTokenAddress(params.YieldPass)
		if err != nil {
			return nil, badCall(err)
		}
		recipient, err := parseBech32Address(params.Recipient)
		if err != nil {
			return nil, badCall(err)
		}
		key, err := b.Redeem(caller, yieldPass, recipient, params.TokenIDs)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(key[:]), nil
	case "yieldpass_withdraw":
		var params withdrawParams
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, badCall(err)
		}
		caller, err := parseBech32Address(params.Caller)
		if err != nil {
			return nil, badCall(err)
		}
		yieldPass, err := parseTokenAddress(params.YieldPass)
		if err != nil {
			return nil, badCall(err)
		}
		recipient, err := b.Withdraw(caller, yieldPass, params.TokenIDs)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(recipient[:]), nil
	default:
		return nil, badCall(fmt.Errorf("method %q is not batchable", call.Method))
	}
}
